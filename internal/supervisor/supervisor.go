// Package supervisor runs one account for the daemon's lifetime: it
// resolves the account's credential, binds the account's IPC endpoint, and
// turns every incoming delivery request into an SMTP transaction under the
// account's connection-reuse policy.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/tracyhatemice/smtprelay/internal/config"
	"github.com/tracyhatemice/smtprelay/internal/envelope"
	"github.com/tracyhatemice/smtprelay/internal/esmtp"
	"github.com/tracyhatemice/smtprelay/internal/vault"
)

// Supervisor owns one account end to end. In Paranoid mode it shares a
// single authenticated connection between deliveries and the heartbeat
// task; the mutex is held for the whole duration of one protocol exchange
// so two parties never interleave bytes on the same stream.
type Supervisor struct {
	cfg     *config.Config
	account config.Account
	logger  *slog.Logger

	vault  *vault.Vault
	sealed []byte

	heartbeatInterval time.Duration

	mu   sync.Mutex
	conn *esmtp.Conn
}

// New creates a supervisor for one account.
func New(cfg *config.Config, account config.Account, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:               cfg,
		account:           account,
		logger:            logger.With("account", account.Label),
		heartbeatInterval: account.Heartbeat(),
	}
}

// Run resolves the credential, binds the endpoint and serves deliveries
// until ctx is cancelled. Each supervisor is an independent unit: a panic
// here is contained and never takes down other accounts or the resender.
func (s *Supervisor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor panicked", "panic", r)
		}
	}()

	if err := s.sealPassword(); err != nil {
		s.logger.Error("cannot resolve account password", "error", err)
		return
	}

	socketPath := s.cfg.SocketPath(s.account.Label)
	if err := os.MkdirAll(s.cfg.SocketRoot, 0o700); err != nil {
		s.logger.Error("cannot create socket dir", "error", err)
		return
	}
	// A stale endpoint from a previous run would make the bind fail.
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		s.logger.Error("cannot bind account endpoint", "path", socketPath, "error", err)
		return
	}
	defer os.Remove(socketPath)
	defer ln.Close()

	if s.account.ConnectionMode() == config.Paranoid {
		s.mu.Lock()
		if err := s.openLocked(); err != nil {
			s.logger.Warn("cannot open connection at startup, will retry on first delivery", "error", err)
		}
		s.mu.Unlock()

		go s.heartbeat(ctx)
	}

	s.logger.Info("supervisor listening",
		"endpoint", socketPath,
		"mode", s.account.ConnectionMode().String(),
	)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.teardown()
				s.logger.Info("supervisor stopped")
				return
			default:
				s.logger.Error("accept error", "error", err)
				continue
			}
		}
		s.handle(conn)
	}
}

// sealPassword runs the account's passwordeval command through a shell and
// seals its trimmed stdout. The plaintext is zeroed before returning; only
// the ciphertext is retained for the process's lifetime.
func (s *Supervisor) sealPassword() error {
	out, err := exec.Command("sh", "-c", s.account.PasswordEval).Output()
	if err != nil {
		return fmt.Errorf("passwordeval %q: %w", s.account.PasswordEval, err)
	}
	secret := bytes.TrimSpace(out)

	v, err := vault.New()
	if err != nil {
		return err
	}
	sealed, err := v.Seal(secret)
	vault.Zero(out)
	if err != nil {
		return err
	}

	s.vault = v
	s.sealed = sealed
	return nil
}

// handle serves one IPC connection: read the request to completion, decode
// it, transact, and write back exactly one terminal signal.
func (s *Supervisor) handle(conn net.Conn) {
	defer conn.Close()

	request, err := io.ReadAll(conn)
	if err != nil {
		s.fail(conn, "cannot read the incoming delivery request", err)
		return
	}

	mail, err := envelope.Decode(request)
	if err != nil {
		s.fail(conn, "cannot decode the incoming delivery request", err)
		return
	}

	recipients := filterRecipients(mail.Recipients)
	from := senderAddress(mail.Body, s.account.Username)

	if err := s.transact(from, recipients, mail.Body); err != nil {
		s.fail(conn, "delivery failed", err)
		return
	}

	s.signal(conn, envelope.SignalOK)
	s.logger.Info("mail delivered", "from", from, "recipients", len(recipients))
}

// transact runs one envelope transaction under the account's reuse policy.
func (s *Supervisor) transact(from string, recipients []string, body []byte) error {
	switch s.account.ConnectionMode() {
	case config.Secure:
		// A fresh connection per delivery; nothing survives the call.
		conn, err := s.open()
		if err != nil {
			return err
		}
		defer conn.Close()
		return conn.SendMail(from, recipients, body)

	default:
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.conn == nil {
			if err := s.openLocked(); err != nil {
				return err
			}
		}
		if err := s.conn.SendMail(from, recipients, body); err != nil {
			// The connection state is unknown after a failed transaction;
			// drop it and let the next delivery reopen.
			s.closeLocked()
			return err
		}
		return nil
	}
}

// open dials, handshakes and authenticates a new connection for this
// account. Missing required fields are a configuration error reported per
// delivery, never a crash.
func (s *Supervisor) open() (*esmtp.Conn, error) {
	a := &s.account
	if a.Host == "" || a.Username == "" || a.Port == 0 {
		return nil, fmt.Errorf("account %s: host, username and port must be configured", a.Label)
	}

	localName, err := os.Hostname()
	if err != nil {
		localName = "localhost"
	}

	conn, err := esmtp.Dial(a.Host, a.Port, esmtp.Options{
		LocalName:   localName,
		Timeout:     s.cfg.Timeout(),
		TLS:         a.TLS,
		Certificate: a.Certificate,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, err
	}

	if _, err := conn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	if conn.SupportsLogin() {
		passwd, err := s.vault.Open(s.sealed)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("unsealing password for %s: %w", a.Label, err)
		}
		err = conn.Auth(a.Username, passwd)
		vault.Zero(passwd)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

// openLocked opens the shared Paranoid-mode connection. Caller holds mu.
func (s *Supervisor) openLocked() error {
	conn, err := s.open()
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// closeLocked drops the shared connection. Caller holds mu.
func (s *Supervisor) closeLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

// heartbeat wakes on the account's interval and touches the shared
// connection while holding the same lock the deliveries use, so the probe
// never interleaves with a transaction. A failed probe drops the handle;
// the next delivery reopens.
func (s *Supervisor) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != nil {
				if err := s.conn.Keepalive(s.account.Username); err != nil {
					s.logger.Warn("keep-alive failed, dropping connection", "error", err)
					s.closeLocked()
				} else {
					s.logger.Debug("keep-alive ok")
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) fail(conn net.Conn, msg string, err error) {
	s.logger.Error(msg, "error", err)
	s.signal(conn, envelope.SignalError)
}

func (s *Supervisor) signal(conn net.Conn, sig string) {
	if _, err := conn.Write([]byte(sig)); err != nil {
		s.logger.Error("cannot write terminal signal", "signal", sig, "error", err)
	}
}

// filterRecipients drops the legacy end-of-recipients sentinel; it marks
// the end of the list in older callers and is never a real address.
func filterRecipients(recipients []string) []string {
	filtered := recipients[:0:0]
	for _, r := range recipients {
		if r != envelope.LegacySeparator {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// senderAddress extracts the envelope sender from the message's From
// header, falling back to the account username when the body carries no
// usable header.
func senderAddress(body []byte, fallback string) string {
	r, err := gomail.CreateReader(bytes.NewReader(body))
	if err != nil {
		return fallback
	}
	defer r.Close()

	addrs, err := r.Header.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return fallback
	}
	return addrs[0].Address
}
