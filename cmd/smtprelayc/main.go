package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/smtprelay/internal/config"
	"github.com/tracyhatemice/smtprelay/internal/delivery"
	"github.com/tracyhatemice/smtprelay/internal/envelope"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		configPath string
		account    string
		withRetry  bool
	)

	cmd := &cobra.Command{
		Use:           "smtprelayc [flags] recipient...",
		Short:         "send a mail read from stdin through the relay daemon",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, account, withRetry, args, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to configuration file")
	cmd.Flags().StringVarP(&account, "account", "a", "", "account label to send through (default: the account marked default)")
	cmd.Flags().BoolVar(&withRetry, "with-retry", false, "queue the mail for retry when delivery fails")
	return cmd
}

func run(configPath, account string, withRetry bool, recipients []string, stdin io.Reader) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	acct, err := resolveAccount(cfg, account)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read mail from stdin: %w", err)
	}

	mail := &envelope.Mail{
		Account:    acct.Label,
		Recipients: recipients,
		Body:       body,
	}

	logger := setupLogger(cfg.LogLevel)
	return delivery.New(cfg, logger).Deliver(mail, acct.Label, withRetry)
}

// resolveAccount picks the explicitly named account, or falls back to the
// one marked default in the configuration.
func resolveAccount(cfg *config.Config, label string) (*config.Account, error) {
	if label != "" {
		acct, ok := cfg.FindAccount(label)
		if !ok {
			return nil, fmt.Errorf("account %s is not configured", label)
		}
		return acct, nil
	}

	acct, ok := cfg.DefaultAccount()
	if !ok {
		return nil, fmt.Errorf("no account given and no default account configured")
	}
	return acct, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".smtprelay", "config.yaml")
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
