package delivery

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/tracyhatemice/smtprelay/internal/config"
	"github.com/tracyhatemice/smtprelay/internal/envelope"
	"github.com/tracyhatemice/smtprelay/internal/spool"
)

// Resender periodically replays spooled mails through the same IPC path the
// client uses, so the daemon never distinguishes a retry from a first
// attempt. A spool file is removed only on a confirmed OK.
type Resender struct {
	cfg      *config.Config
	client   *Client
	logger   *slog.Logger
	interval time.Duration
}

// NewResender creates a resender sweeping once per minute.
func NewResender(cfg *config.Config, logger *slog.Logger) *Resender {
	return &Resender{
		cfg:      cfg,
		client:   New(cfg, logger),
		logger:   logger,
		interval: time.Minute,
	}
}

// Run sweeps the spool on the interval until ctx is cancelled.
func (r *Resender) Run(ctx context.Context) {
	r.logger.Info("starting resender", "spool", r.cfg.SpoolRoot, "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("resender stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep makes one pass over the spool. Every entry is retried under its
// account's file lock; entries that fail to decode are left in place so
// nothing is silently lost.
func (r *Resender) Sweep() {
	entries, err := spool.List(r.cfg.SpoolRoot)
	if err != nil {
		r.logger.Error("cannot read spool", "error", err)
		return
	}

	for _, entry := range entries {
		r.retry(entry)
	}
}

func (r *Resender) retry(entry spool.Entry) {
	lock, err := r.client.lockAccount(entry.Label)
	if err != nil {
		r.logger.Error("cannot lock account", "account", entry.Label, "error", err)
		return
	}
	defer func() { _ = lock.Unlock() }()

	// The writer held this lock while creating the file, so what we read
	// now is complete.
	encoded, err := os.ReadFile(entry.Path)
	if err != nil {
		r.logger.Error("cannot read spool entry", "path", entry.Path, "error", err)
		return
	}

	if _, err := envelope.Decode(encoded); err != nil {
		r.logger.Error("undecodable spool entry left in place", "path", entry.Path, "error", err)
		return
	}

	if err := r.client.Send(entry.Label, encoded); err != nil {
		r.logger.Warn("retry failed", "account", entry.Label, "path", entry.Path, "error", err)
		return
	}

	if err := os.Remove(entry.Path); err != nil {
		r.logger.Error("cannot remove delivered spool entry", "path", entry.Path, "error", err)
		return
	}
	r.logger.Info("spooled mail delivered", "account", entry.Label, "path", entry.Path)
}
