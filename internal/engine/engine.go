package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"powerline/internal/config"
	"powerline/internal/domain"
	"powerline/internal/engine/auth"
	"powerline/internal/events"
	"powerline/internal/metrics"
	"powerline/internal/notify"
	"powerline/internal/repo"
)

// System is the principal used by local administrative commands.
var System = domain.Principal{UserID: "system", Role: domain.RoleEmployee}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Sender
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time

	pending *sync.WaitGroup
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.Logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.Metrics = m } }

func WithNotifier(s notify.Sender) Option { return func(e *Engine) { e.Notifier = s } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.Now = now } }

// New wires an engine. Without WithNotifier the SMS gateway is built from cfg.SMS.
func New(db *sql.DB, cfg *config.Config, opts ...Option) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Logger:  slog.Default(),
		Now:     time.Now,
		pending: &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Notifier == nil {
		e.Notifier = notify.NewGateway(cfg.SMS, e.Logger, e.Metrics)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Wait blocks until asynchronous notification fan-outs have finished.
func (e Engine) Wait() {
	if e.pending != nil {
		e.pending.Wait()
	}
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

// InputError reports a malformed or missing request field.
type InputError struct {
	Field  string
	Reason string
}

func (e InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ListEvents returns the newest audit events matching the filters. Employees only.
func (e Engine) ListEvents(ctx context.Context, p domain.Principal, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if err := auth.Authorize(p, auth.ViewEvents, auth.Target{}); err != nil {
		return nil, err
	}
	items, err := e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Event{}
	}
	return items, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
