// Package delivery implements the client side of the relay: it hands an
// encoded mail to the daemon over the account's IPC endpoint, serialized
// system-wide by an advisory per-account file lock, and spools the mail for
// retry when anything goes wrong.
package delivery

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/tracyhatemice/smtprelay/internal/config"
	"github.com/tracyhatemice/smtprelay/internal/envelope"
	"github.com/tracyhatemice/smtprelay/internal/spool"
)

// lockRetryInterval is the sleep between attempts to take an account lock.
// Lock hold times are short (one delivery or one spool write), so a plain
// spin with a short sleep is enough.
const lockRetryInterval = 10 * time.Millisecond

// ErrDaemon is returned when the daemon confirmed it could not deliver.
var ErrDaemon = errors.New("delivery: the daemon reported a failure")

// Client sends mails to the daemon.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New creates a delivery client.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

// Deliver encodes the mail and sends it to the account's daemon endpoint
// while holding the account's file lock. With spoolOnFailure, any failure
// first queues the encoded mail durably (still under the lock) before the
// error is returned.
func (c *Client) Deliver(mail *envelope.Mail, label string, spoolOnFailure bool) error {
	lock, err := c.lockAccount(label)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	encoded := mail.Encode()
	if err := c.Send(label, encoded); err != nil {
		if spoolOnFailure {
			path, spoolErr := spool.Write(c.cfg.SpoolRoot, label, encoded)
			if spoolErr != nil {
				c.logger.Error("cannot spool mail", "account", label, "error", spoolErr)
				return fmt.Errorf("%w (and spooling failed: %v)", err, spoolErr)
			}
			c.logger.Info("mail spooled for retry", "account", label, "path", path)
		}
		return err
	}
	return nil
}

// Send writes one already-encoded mail over the account's IPC endpoint,
// half-closes the write side, and waits for the daemon's terminal signal
// within the configured timeout. It takes no locks; callers hold the
// account lock around it.
func (c *Client) Send(label string, encoded []byte) error {
	path := c.cfg.SocketPath(label)

	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s (is smtprelayd running?): %w", path, err)
	}
	defer conn.Close()

	if _, err := conn.Write(encoded); err != nil {
		return fmt.Errorf("write mail to daemon: %w", err)
	}
	if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
		return fmt.Errorf("close write side: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout())); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}

	response, err := io.ReadAll(conn)
	if err != nil {
		return fmt.Errorf("wait for daemon signal: %w", err)
	}

	switch string(response) {
	case envelope.SignalOK:
		return nil
	case envelope.SignalError:
		return ErrDaemon
	default:
		return fmt.Errorf("unexpected response from the daemon: %q", response)
	}
}

// lockAccount takes the exclusive advisory lock for an account, creating
// the lock file if needed. The lock is cooperative: it serializes relay
// clients and the resender, never the daemon itself.
func (c *Client) lockAccount(label string) (*flock.Flock, error) {
	if err := os.MkdirAll(c.cfg.FlockRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lock := flock.New(c.cfg.LockPath(label))
	for {
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock account %s: %w", label, err)
		}
		if locked {
			return lock, nil
		}
		time.Sleep(lockRetryInterval)
	}
}
