package supervisor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/smtprelay/internal/config"
	"github.com/tracyhatemice/smtprelay/internal/envelope"
)

// smtpRecorder collects what a fake SMTP server observed.
type smtpRecorder struct {
	conns atomic.Int32
	rsets atomic.Int32
	froms chan string
	rcpts chan string

	mu   sync.Mutex
	live []net.Conn
}

func newRecorder() *smtpRecorder {
	return &smtpRecorder{
		froms: make(chan string, 16),
		rcpts: make(chan string, 16),
	}
}

// dropConnections severs every connection the server currently holds.
func (rec *smtpRecorder) dropConnections() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, c := range rec.live {
		_ = c.Close()
	}
	rec.live = nil
}

func (rec *smtpRecorder) track(conn net.Conn) {
	rec.conns.Add(1)
	rec.mu.Lock()
	rec.live = append(rec.live, conn)
	rec.mu.Unlock()
}

// record never blocks: tests that generate more traffic than they inspect
// (heartbeats, repeated deliveries) must not stall the server.
func record(ch chan string, line string) {
	select {
	case ch <- line:
	default:
	}
}

// startSMTP runs a fake SMTP server that accepts LOGIN auth and any
// envelope, recording senders and recipients.
func startSMTP(t *testing.T, rec *smtpRecorder) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			rec.track(conn)
			go smtpSession(conn, rec)
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func smtpSession(conn net.Conn, rec *smtpRecorder) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	write := func(lines ...string) {
		for _, l := range lines {
			_, _ = conn.Write([]byte(l + "\r\n"))
		}
	}

	write("220 fake ESMTP ready")
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimRight(raw, "\r\n")

		switch {
		case strings.HasPrefix(line, "EHLO"):
			write("250-fake", "250 AUTH LOGIN")
		case strings.HasPrefix(line, "AUTH LOGIN"):
			write("334 UGFzc3dvcmQ6")
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			write("235 Authentication successful")
		case strings.HasPrefix(line, "MAIL FROM:"):
			record(rec.froms, line)
			write("250 OK")
		case strings.HasPrefix(line, "RCPT TO:"):
			record(rec.rcpts, line)
			write("250 OK")
		case line == "DATA":
			write("354 Start mail input")
			for {
				body, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(body, "\r\n") == "." {
					break
				}
			}
			write("250 OK queued")
		case line == "RSET":
			rec.rsets.Add(1)
			write("250 OK")
		case line == "NOOP":
			write("250 OK")
		case line == "QUIT":
			write("221 Bye")
			return
		default:
			write("500 Unrecognized command")
		}
	}
}

func testConfig(t *testing.T, account config.Account) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		LogLevel:       "debug",
		SocketRoot:     root,
		FlockRoot:      root,
		SpoolRoot:      root,
		TimeoutSeconds: 5,
		Accounts:       []config.Account{account},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runSupervisor runs s until test cleanup and waits for its endpoint.
func runSupervisor(t *testing.T, cfg *config.Config, s *Supervisor, label string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	socketPath := cfg.SocketPath(label)
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "endpoint %s never appeared", socketPath)
}

func startSupervisor(t *testing.T, cfg *config.Config, account config.Account) {
	t.Helper()
	runSupervisor(t, cfg, New(cfg, account, discardLogger()), account.Label)
}

// deliver writes an encoded request to the account endpoint and returns the
// daemon's terminal signal.
func deliver(t *testing.T, cfg *config.Config, label string, encoded []byte) string {
	t.Helper()

	conn, err := net.Dial("unix", cfg.SocketPath(label))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encoded)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	response, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(response)
}

func workAccount(port uint16, mode string) config.Account {
	return config.Account{
		Label:        "work",
		Host:         "127.0.0.1",
		Port:         port,
		Username:     "me@example.com",
		Mode:         mode,
		PasswordEval: "echo hunter2",
	}
}

func TestDelivery_SecureMode(t *testing.T) {
	rec := newRecorder()
	port := startSMTP(t, rec)

	account := workAccount(port, "secure")
	cfg := testConfig(t, account)
	startSupervisor(t, cfg, account)

	mail := &envelope.Mail{
		Account:    "work",
		Recipients: []string{"a@b.com"},
		Body:       []byte("hi"),
	}
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))

	// No From header in the body, so the envelope sender is the username.
	assert.Equal(t, "MAIL FROM:<me@example.com>", <-rec.froms)
	assert.Equal(t, "RCPT TO:<a@b.com>", <-rec.rcpts)
}

func TestDelivery_ParanoidModeReusesConnection(t *testing.T) {
	rec := newRecorder()
	port := startSMTP(t, rec)

	account := workAccount(port, "paranoid")
	cfg := testConfig(t, account)
	startSupervisor(t, cfg, account)

	mail := &envelope.Mail{Recipients: []string{"a@b.com"}, Body: []byte("one")}
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))

	<-rec.froms
	<-rec.froms
	assert.Equal(t, int32(1), rec.conns.Load(), "paranoid mode must share one connection")
}

func TestDelivery_SecureModeDialsPerDelivery(t *testing.T) {
	rec := newRecorder()
	port := startSMTP(t, rec)

	account := workAccount(port, "secure")
	cfg := testConfig(t, account)
	startSupervisor(t, cfg, account)

	mail := &envelope.Mail{Recipients: []string{"a@b.com"}, Body: []byte("one")}
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))

	<-rec.froms
	<-rec.froms
	assert.Equal(t, int32(2), rec.conns.Load())
}

func TestParanoid_ReopensAfterConnectionLoss(t *testing.T) {
	rec := newRecorder()
	port := startSMTP(t, rec)

	account := workAccount(port, "paranoid")
	cfg := testConfig(t, account)
	startSupervisor(t, cfg, account)

	mail := &envelope.Mail{Recipients: []string{"a@b.com"}, Body: []byte("one")}
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))

	rec.dropConnections()

	// The delivery that finds the dead handle fails and tears it down; the
	// one after re-dials and succeeds.
	require.Equal(t, envelope.SignalError, deliver(t, cfg, "work", mail.Encode()))
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))
	assert.Equal(t, int32(2), rec.conns.Load())
}

func TestParanoid_HeartbeatNeverInterleavesWithDeliveries(t *testing.T) {
	rec := newRecorder()
	port := startSMTP(t, rec)

	account := workAccount(port, "paranoid")
	cfg := testConfig(t, account)

	s := New(cfg, account, discardLogger())
	s.heartbeatInterval = 2 * time.Millisecond
	runSupervisor(t, cfg, s, account.Label)

	// Keep-alives fire constantly while deliveries stream in. The server
	// answers 500 to any garbled command, so a single interleaved byte
	// would surface as a failed transaction or a dropped connection.
	mail := &envelope.Mail{Recipients: []string{"a@b.com"}, Body: []byte("hi")}
	for i := 0; i < 20; i++ {
		require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))
	}

	require.Eventually(t, func() bool {
		return rec.rsets.Load() > 0
	}, 5*time.Second, time.Millisecond, "no keep-alive probe observed")
	assert.Equal(t, int32(1), rec.conns.Load())
}

func TestDelivery_FiltersLegacySeparator(t *testing.T) {
	rec := newRecorder()
	port := startSMTP(t, rec)

	account := workAccount(port, "secure")
	cfg := testConfig(t, account)
	startSupervisor(t, cfg, account)

	mail := &envelope.Mail{
		Recipients: []string{"a@b.com", envelope.LegacySeparator, "c@d.com"},
		Body:       []byte("hi"),
	}
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))

	assert.Equal(t, "RCPT TO:<a@b.com>", <-rec.rcpts)
	assert.Equal(t, "RCPT TO:<c@d.com>", <-rec.rcpts)
	select {
	case extra := <-rec.rcpts:
		t.Fatalf("unexpected extra recipient: %s", extra)
	default:
	}
}

func TestDelivery_SenderFromHeader(t *testing.T) {
	rec := newRecorder()
	port := startSMTP(t, rec)

	account := workAccount(port, "secure")
	cfg := testConfig(t, account)
	startSupervisor(t, cfg, account)

	body := "From: Alice <alice@example.com>\r\nSubject: hello\r\n\r\nhi\r\n"
	mail := &envelope.Mail{Recipients: []string{"a@b.com"}, Body: []byte(body)}
	require.Equal(t, envelope.SignalOK, deliver(t, cfg, "work", mail.Encode()))

	assert.Equal(t, "MAIL FROM:<alice@example.com>", <-rec.froms)
}

func TestDelivery_MissingHostIsReportedNotFatal(t *testing.T) {
	account := config.Account{
		Label:        "broken",
		Username:     "me@example.com",
		Mode:         "secure",
		PasswordEval: "echo hunter2",
	}
	cfg := testConfig(t, account)
	startSupervisor(t, cfg, account)

	mail := &envelope.Mail{Recipients: []string{"a@b.com"}, Body: []byte("hi")}
	assert.Equal(t, envelope.SignalError, deliver(t, cfg, "broken", mail.Encode()))

	// The supervisor must keep serving after a configuration failure.
	assert.Equal(t, envelope.SignalError, deliver(t, cfg, "broken", mail.Encode()))
}

func TestDelivery_UndecodableRequest(t *testing.T) {
	rec := newRecorder()
	port := startSMTP(t, rec)

	account := workAccount(port, "secure")
	cfg := testConfig(t, account)
	startSupervisor(t, cfg, account)

	assert.Equal(t, envelope.SignalError, deliver(t, cfg, "work", []byte("not a mail")))
}

func TestFilterRecipients(t *testing.T) {
	in := []string{"a@b.com", "--", "c@d.com", "--"}
	assert.Equal(t, []string{"a@b.com", "c@d.com"}, filterRecipients(in))
	assert.Empty(t, filterRecipients([]string{"--"}))
}

func TestSenderAddress(t *testing.T) {
	body := []byte("From: Bob <bob@example.org>\r\n\r\nhello\r\n")
	assert.Equal(t, "bob@example.org", senderAddress(body, "fallback@example.com"))
	assert.Equal(t, "fallback@example.com", senderAddress([]byte("no headers here"), "fallback@example.com"))
}
