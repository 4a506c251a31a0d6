// Package app wires the mailbox directory, list cache, sync engine,
// mutation coordinator and detail loader into one session object that a
// front end drives.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/detail"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/mutation"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
	appsync "github.com/nhle/mailsync/internal/sync"
)

// ViewState represents the pane the session is showing.
type ViewState int

const (
	ViewList ViewState = iota
	ViewDetail
)

func (v ViewState) String() string {
	if v == ViewDetail {
		return "detail"
	}
	return "list"
}

// Options configures an App.
type Options struct {
	Sync        model.SyncConfig
	DownloadDir string

	// Journal is optional.
	Journal store.Journal
}

// App is the session: one connected account, its mailbox directory and
// the cached folder the user is looking at. Every entry point is a
// no-op until Connect succeeds.
type App struct {
	client      source.Client
	journal     store.Journal
	logger      zerolog.Logger
	downloadDir string

	directory *mailbox.Directory
	cache     *cache.Cache
	engine    *appsync.Engine
	mutations *mutation.Coordinator
	detail    *detail.Loader
	handles   *detail.HandleRegistry

	mu          sync.RWMutex
	connected   bool
	initialized bool
	current     string
	selected    string
	view        cache.ViewMode
	filter      string
	currentView ViewState
	status      string
}

// New creates a session over client.
func New(client source.Client, opts Options, logger zerolog.Logger) *App {
	a := &App{
		client:      client,
		journal:     opts.Journal,
		logger:      logger.With().Str("component", "app").Logger(),
		downloadDir: opts.DownloadDir,
		view:        cache.ViewAll,
		status:      "Not connected.",
	}

	var recorder mutation.Recorder
	var syncRecorder appsync.Recorder
	if opts.Journal != nil {
		recorder = opts.Journal
		syncRecorder = opts.Journal
	}

	a.directory = mailbox.NewDirectory(client, logger)
	a.cache = cache.New(client, cache.OptionsFromConfig(opts.Sync), logger)
	a.engine = appsync.New(a.cache, client, appsync.Options{
		PollInterval: opts.Sync.PollInterval(),
		Journal:      syncRecorder,
		Connected:    a.Connected,
	}, logger)
	a.handles = detail.NewHandleRegistry()
	a.detail = detail.NewLoader(client, a.handles, logger)
	a.mutations = mutation.New(a.cache, client, a.directory, selection{a}, recorder, logger)
	return a
}

// Connect establishes the protocol session. Authentication failures are
// journaled and reported in the status line.
func (a *App) Connect(ctx context.Context) error {
	if err := a.client.FetchSession(ctx); err != nil {
		a.setStatus("Connection failed: " + err.Error())
		if source.IsAuthError(err) {
			a.record(ctx, "", model.EventAuthFailed, err.Error())
		}
		return fmt.Errorf("connecting: %w", err)
	}

	a.mu.Lock()
	a.connected = true
	a.status = "Connected."
	a.mu.Unlock()

	a.logger.Info().Msg("connected")
	return nil
}

// Connected reports whether Connect succeeded and Close was not called.
func (a *App) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Initialize loads the mailbox directory and starts background
// reconciliation. It runs once per session; ctx bounds the background
// loop.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.RLock()
	skip := !a.connected || a.initialized
	a.mu.RUnlock()
	if skip {
		return nil
	}

	if err := a.directory.Load(ctx); err != nil {
		return err
	}
	a.engine.Start(ctx)

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	return nil
}

// Close stops background work, releases the open detail and aborts
// in-flight requests.
func (a *App) Close() {
	a.engine.Stop()
	a.detail.Clear()
	a.client.CancelAllRequests()

	a.mu.Lock()
	a.connected = false
	a.initialized = false
	a.selected = ""
	a.currentView = ViewList
	a.status = "Not connected."
	a.mu.Unlock()
}

// Mailboxes returns the mailbox directory.
func (a *App) Mailboxes() []model.Mailbox {
	return a.directory.Mailboxes()
}

// Status returns the last user-visible status message.
func (a *App) Status() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// View returns the pane being shown.
func (a *App) View() ViewState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentView
}

// SyncStatus summarizes the sync state of the current folder.
func (a *App) SyncStatus() string {
	key, ok := a.currentKey()
	if !ok {
		return "idle"
	}
	st, ok := a.engine.Status(key)
	if !ok {
		return "idle"
	}

	switch {
	case st.State == appsync.SyncPolling:
		return "syncing"
	case st.Error != nil:
		return "unreachable: " + firstLine(st.Error.Error())
	case st.LastSync.IsZero():
		return "idle"
	default:
		return fmt.Sprintf("%s at %s", st.Outcome, st.LastSync.Format("15:04:05"))
	}
}

func (a *App) setStatus(msg string) {
	a.mu.Lock()
	a.status = msg
	a.mu.Unlock()
}

func (a *App) record(ctx context.Context, folder, kind, msg string) {
	if a.journal == nil {
		return
	}
	err := a.journal.RecordEvent(ctx, model.SyncEvent{
		FolderKey: folder,
		Kind:      kind,
		Message:   msg,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("kind", kind).Msg("failed to record event")
	}
}

// selection lets the mutation coordinator drop the open message.
type selection struct {
	a *App
}

func (s selection) ClearIf(id string) bool {
	s.a.mu.Lock()
	if s.a.selected != id {
		s.a.mu.Unlock()
		return false
	}
	s.a.selected = ""
	s.a.currentView = ViewList
	s.a.mu.Unlock()

	s.a.detail.ClearIf(id)
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
