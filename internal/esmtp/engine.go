// Package esmtp implements the client side of the ESMTP protocol: greeting,
// capability negotiation, an optional in-place STARTTLS upgrade, LOGIN
// authentication, the envelope transaction and a keep-alive probe. The
// engine runs identically over a raw or a TLS-wrapped transport and never
// retries anything; retry is the spool's responsibility.
package esmtp

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

// AuthCapability is an authentication mechanism advertised by the server.
type AuthCapability int

const (
	// AuthNone means the server advertised no supported mechanism.
	AuthNone AuthCapability = iota
	// AuthLogin means AUTH LOGIN is available.
	AuthLogin
	// AuthXOAuth2 means XOAUTH2 was advertised. It is recorded but not
	// implemented; authentication still goes through LOGIN when present.
	AuthXOAuth2
)

var (
	ErrHandshake  = errors.New("esmtp: handshake failed")
	ErrAuthFailed = errors.New("esmtp: authentication failed")
	ErrProtocol   = errors.New("esmtp: protocol error")
)

// Options configures a connection attempt.
type Options struct {
	// LocalName is the identity sent in EHLO. Defaults to "localhost".
	LocalName string
	// Timeout bounds the dial and every subsequent read or write.
	Timeout time.Duration
	// TLS wraps the transport in TLS from the first byte.
	TLS bool
	// Certificate is an optional PEM file added to the trust roots.
	Certificate string
	Logger      *slog.Logger
}

// Conn is one SMTP connection in a known protocol state.
type Conn struct {
	conn     net.Conn
	reader   *bufio.Reader
	host     string
	opts     Options
	tls      bool
	upgraded bool
	auths    []AuthCapability
}

// finalReplyLine matches the terminating line of an SMTP reply: a
// three-digit code followed by a space (or end of line), with no
// hyphen continuation.
var finalReplyLine = regexp.MustCompile(`^\d{3}( |$)`)

// Dial opens a transport to host:port. With opts.TLS it performs the TLS
// handshake against the system trust store, extended by opts.Certificate
// when set. No protocol bytes are exchanged; call Handshake next.
func Dial(host string, port uint16, opts Options) (*Conn, error) {
	if opts.LocalName == "" {
		opts.LocalName = "localhost"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	var nc net.Conn
	var err error
	if opts.TLS {
		cfg, cfgErr := trustConfig(host, opts.Certificate)
		if cfgErr != nil {
			return nil, cfgErr
		}
		nc, err = tls.DialWithDialer(&net.Dialer{Timeout: opts.Timeout}, "tcp", addr, cfg)
	} else {
		nc, err = net.DialTimeout("tcp", addr, opts.Timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("esmtp: dial %s: %w", addr, err)
	}

	return &Conn{
		conn:   nc,
		reader: bufio.NewReader(nc),
		host:   host,
		opts:   opts,
		tls:    opts.TLS,
	}, nil
}

// Handshake reads the server banner, negotiates capabilities with EHLO and,
// when the server advertises STARTTLS on a plaintext transport, upgrades in
// place exactly once and re-negotiates. It returns the advertised
// authentication mechanisms; AuthNone when the server offered neither
// LOGIN nor XOAUTH2.
func (c *Conn) Handshake() ([]AuthCapability, error) {
	reply, err := c.readReply()
	if err != nil {
		return nil, err
	}
	if !reply.hasCode("220") {
		return nil, fmt.Errorf("%w: bad greeting from %s: %s", ErrHandshake, c.host, reply.text())
	}

	reply, err = c.ehlo()
	if err != nil {
		return nil, err
	}
	tokens := reply.tokens()

	if !c.tls && containsToken(tokens, "STARTTLS") {
		if err := c.startTLS(); err != nil {
			return nil, err
		}
		reply, err = c.ehlo()
		if err != nil {
			return nil, err
		}
		tokens = reply.tokens()
	}

	var auths []AuthCapability
	if containsToken(tokens, "LOGIN") {
		auths = append(auths, AuthLogin)
	}
	if containsToken(tokens, "XOAUTH2") {
		auths = append(auths, AuthXOAuth2)
	}
	if len(auths) == 0 {
		auths = append(auths, AuthNone)
	}

	c.auths = auths
	c.opts.Logger.Debug("handshake complete", "host", c.host, "tls", c.tls)
	return auths, nil
}

// SupportsLogin reports whether the last handshake advertised AUTH LOGIN.
func (c *Conn) SupportsLogin() bool {
	for _, a := range c.auths {
		if a == AuthLogin {
			return true
		}
	}
	return false
}

func (c *Conn) ehlo() (*reply, error) {
	r, err := c.cmd("EHLO %s", c.opts.LocalName)
	if err != nil {
		return nil, err
	}
	if !r.hasCode("250") {
		return nil, fmt.Errorf("%w: server %s does not support ESMTP: %s", ErrHandshake, c.host, r.text())
	}
	return r, nil
}

// startTLS upgrades the transport. It runs at most once per connection.
func (c *Conn) startTLS() error {
	if c.upgraded {
		return fmt.Errorf("%w: STARTTLS attempted twice", ErrProtocol)
	}

	r, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if !r.hasCode("250") {
		return fmt.Errorf("%w: cannot start a TLS connection: %s", ErrHandshake, r.text())
	}

	cfg, err := trustConfig(c.host, c.opts.Certificate)
	if err != nil {
		return err
	}

	tlsConn := tls.Client(c.conn, cfg)
	_ = tlsConn.SetDeadline(time.Now().Add(c.opts.Timeout))
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("%w: TLS handshake with %s: %v", ErrHandshake, c.host, err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.tls = true
	c.upgraded = true
	return nil
}

// Auth runs the AUTH LOGIN exchange. The username goes out base64-encoded
// as the initial response on the AUTH line, the password answers the
// server's 334 challenge, and anything but a final 235 fails the
// connection attempt.
func (c *Conn) Auth(username string, password []byte) error {
	client := sasl.NewLoginClient(username, string(password))

	mech, ir, err := client.Start()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := c.writeLine("AUTH " + mech + " " + base64.StdEncoding.EncodeToString(ir)); err != nil {
		return err
	}

	for {
		r, err := c.readReply()
		if err != nil {
			return err
		}
		switch {
		case r.hasCode("235"):
			return nil
		case r.hasCode("334"):
			challenge, err := base64.StdEncoding.DecodeString(r.challenge())
			if err != nil {
				return fmt.Errorf("%w: undecodable challenge: %v", ErrAuthFailed, err)
			}
			resp, err := client.Next(challenge)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			if err := c.writeLine(base64.StdEncoding.EncodeToString(resp)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: invalid username or password: %s", ErrAuthFailed, r.text())
		}
	}
}

// SendMail runs one envelope transaction. Recipients are issued in order
// and a single rejected recipient aborts the whole transaction. The body is
// written verbatim and closed with the CRLF dot terminator.
func (c *Conn) SendMail(from string, recipients []string, body []byte) error {
	if err := c.expect("250", "MAIL FROM:<%s>", from); err != nil {
		return fmt.Errorf("cannot send mail from %s: %w", from, err)
	}

	for _, recipient := range recipients {
		if err := c.expect("250", "RCPT TO:<%s>", recipient); err != nil {
			return fmt.Errorf("cannot send mail to %s: %w", recipient, err)
		}
	}

	if err := c.expect("354", "DATA"); err != nil {
		return fmt.Errorf("cannot start the mail body: %w", err)
	}

	if err := c.write(body); err != nil {
		return fmt.Errorf("writing mail body: %w", err)
	}
	if err := c.write([]byte("\r\n.\r\n")); err != nil {
		return fmt.Errorf("terminating mail body: %w", err)
	}

	r, err := c.readReply()
	if err != nil {
		return err
	}
	if !r.hasCode("250") {
		return fmt.Errorf("%w: mail body rejected: %s", ErrProtocol, r.text())
	}
	return nil
}

// Keepalive touches an idle connection with a harmless MAIL FROM followed
// by RSET. It never delivers mail; a failure means the connection is dead.
func (c *Conn) Keepalive(from string) error {
	if err := c.expect("250", "MAIL FROM:<%s>", from); err != nil {
		return fmt.Errorf("keep-alive probe: %w", err)
	}
	if err := c.expect("250", "RSET"); err != nil {
		return fmt.Errorf("keep-alive reset: %w", err)
	}
	return nil
}

// Close sends a best-effort QUIT and closes the transport.
func (c *Conn) Close() error {
	_ = c.writeLine("QUIT")
	return c.conn.Close()
}

// cmd writes one command line and reads the full reply.
func (c *Conn) cmd(format string, args ...any) (*reply, error) {
	if err := c.writeLine(fmt.Sprintf(format, args...)); err != nil {
		return nil, err
	}
	return c.readReply()
}

// expect runs cmd and requires the reply code to match.
func (c *Conn) expect(code, format string, args ...any) error {
	r, err := c.cmd(format, args...)
	if err != nil {
		return err
	}
	if !r.hasCode(code) {
		return fmt.Errorf("%w: want %s, got: %s", ErrProtocol, code, r.text())
	}
	return nil
}

func (c *Conn) writeLine(line string) error {
	return c.write([]byte(line + "\r\n"))
}

func (c *Conn) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("%w: write: %v", ErrProtocol, err)
	}
	return nil
}

// readReply accumulates reply lines until the multi-line termination
// pattern is seen. A closed transport or undecodable reply is fatal.
func (c *Conn) readReply() (*reply, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))

	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: reading reply: %v", ErrProtocol, err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if finalReplyLine.MatchString(line) {
			break
		}
	}

	r := &reply{lines: lines}
	c.opts.Logger.Debug("server reply", "host", c.host, "reply", r.text())
	return r, nil
}

type reply struct {
	lines []string
}

func (r *reply) text() string {
	return strings.Join(r.lines, "\n")
}

// hasCode compares only the leading three-digit token, tokenized on spaces
// and hyphens, so continuation lines compare the same as final ones.
func (r *reply) hasCode(code string) bool {
	tokens := r.tokens()
	return len(tokens) > 0 && tokens[0] == code
}

// challenge returns the text after the reply code of the first line.
func (r *reply) challenge() string {
	if len(r.lines) == 0 {
		return ""
	}
	parts := strings.SplitN(r.lines[0], " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (r *reply) tokens() []string {
	return strings.FieldsFunc(r.text(), func(ch rune) bool {
		return ch == ' ' || ch == '-' || ch == '\n'
	})
}

func containsToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

// trustConfig builds the TLS configuration for host, optionally extending
// the system trust store with a PEM file.
func trustConfig(host, certFile string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: host}
	if certFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("esmtp: reading trust root %s: %w", certFile, err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("esmtp: no certificates found in %s (only PEM is supported)", certFile)
	}

	cfg.RootCAs = pool
	return cfg, nil
}
