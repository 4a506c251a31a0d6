package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// journalRetention is how long journal events are kept.
const journalRetention = 30 * 24 * time.Hour

type flags struct {
	configPath  string
	folder      string
	view        string
	filter      string
	limit       int
	watch       bool
	storeSecret bool
	events      int
}

func parseFlags() flags {
	var f flags
	pflag.StringVarP(&f.configPath, "config", "c", model.DefaultConfigPath(), "path to the config file")
	pflag.StringVarP(&f.folder, "folder", "f", "inbox", "folder to list, by display name")
	pflag.StringVar(&f.view, "view", "all", "view mode: all or unread")
	pflag.StringVar(&f.filter, "filter", "", "only list messages whose sender or subject contains this text")
	pflag.IntVarP(&f.limit, "limit", "n", 20, "number of messages to print")
	pflag.BoolVarP(&f.watch, "watch", "w", false, "keep running and print the folder whenever it changes")
	pflag.BoolVar(&f.storeSecret, "store-secret", false, "read the account secret from stdin and save it to the keyring")
	pflag.IntVar(&f.events, "events", 0, "print the most recent journal events and exit")
	pflag.Parse()
	return f
}

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	f := parseFlags()

	cfg, err := model.LoadConfig(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, f, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("mailsync failed")
		os.Exit(1)
	}
}

func newLogger(cfg model.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, f flags, cfg *model.AppConfig, logger zerolog.Logger) error {
	ring, err := credential.Open(filepath.Dir(cfg.Storage.JournalPath))
	if err != nil {
		logger.Warn().Err(err).Msg("keyring unavailable")
	}

	if f.storeSecret {
		return storeSecret(cfg.Account, ring)
	}

	journal, err := openJournal(ctx, cfg.Storage.JournalPath, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	if f.events > 0 {
		return printEvents(ctx, journal, f.events)
	}

	creds, err := app.NewCredentials(ctx, cfg.Account, ring, os.Getenv)
	if err != nil {
		return err
	}
	client, err := app.NewClient(cfg.Account, creds, logger)
	if err != nil {
		return err
	}

	session := app.New(client, app.Options{
		Sync:        cfg.Sync,
		DownloadDir: cfg.Storage.DownloadDir,
		Journal:     journal,
	}, logger)
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		return err
	}
	if err := session.Initialize(ctx); err != nil {
		return err
	}
	if err := session.SetView(f.view); err != nil {
		return err
	}
	session.SetFilter(f.filter)

	found, err := session.SwitchFolderByName(ctx, f.folder)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no folder named %q", f.folder)
	}

	printMailboxes(session.Mailboxes())
	last := printFolder(session, f.limit)
	if !f.watch {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if cur := folderFingerprint(session); cur != last {
				last = printFolder(session, f.limit)
			}
		}
	}
}

func openJournal(ctx context.Context, path string, logger zerolog.Logger) (*store.SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	journal, err := store.NewSQLiteJournal(path)
	if err != nil {
		return nil, err
	}

	pruned, err := journal.PruneBefore(ctx, time.Now().Add(-journalRetention))
	if err != nil {
		logger.Warn().Err(err).Msg("pruning journal")
	} else if pruned > 0 {
		logger.Debug().Int64("events", pruned).Msg("pruned journal")
	}
	return journal, nil
}

func storeSecret(cfg model.AccountConfig, ring *credential.Ring) error {
	if ring == nil {
		return errors.New("no keyring available")
	}
	fmt.Fprint(os.Stderr, "secret: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return errors.New("empty secret")
	}
	if err := app.StoreSecret(cfg, ring, secret); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "saved")
	return nil
}

func printEvents(ctx context.Context, journal store.Journal, limit int) error {
	events, err := journal.RecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s  %-16s %-24s %s\n",
			ev.CreatedAt.Local().Format(time.DateTime), ev.Kind, ev.FolderKey, ev.Message)
	}
	return nil
}

func printMailboxes(list []model.Mailbox) {
	for _, mb := range list {
		fmt.Printf("%-20s %5d unread %6d total\n", mailbox.DisplayName(mb), mb.UnreadCount, mb.TotalCount)
	}
	fmt.Println()
}

func folderFingerprint(s *app.App) string {
	vis := s.Visible()
	var b strings.Builder
	fmt.Fprintf(&b, "%d|", s.Total())
	for _, m := range vis {
		b.WriteString(m.ID)
		if m.Seen() {
			b.WriteByte('+')
		}
		b.WriteByte(',')
	}
	return b.String()
}

func printFolder(s *app.App, limit int) string {
	mb, _ := s.CurrentMailbox()
	vis := s.Visible()
	fmt.Printf("%s: %d messages (%s)\n", mailbox.DisplayName(mb), s.Total(), s.SyncStatus())

	for i, m := range vis {
		if i == limit {
			fmt.Printf("  ... %d more\n", len(vis)-limit)
			break
		}
		mark := " "
		if !m.Seen() {
			mark = "*"
		}
		subject := m.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Printf("%s %-16s %-28.28s %s\n",
			mark, m.ReceivedAt.Local().Format("Jan 02 15:04"), m.FromText(), subject)
	}
	if status := s.Status(); status != "" && status != "Connected." {
		fmt.Println(status)
	}
	return folderFingerprint(s)
}
