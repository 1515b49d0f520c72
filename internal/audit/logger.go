package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/pkg/models"
)

// Store is what the Logger needs from storage.
type Store interface {
	WriteActionEntry(ctx context.Context, entry *models.ActionEntry) error
	QueryActionLog(ctx context.Context, filter storage.ActionFilter) ([]*models.ActionEntry, error)
}

// Logger writes one entry per transfer or relay attempt.
type Logger struct {
	store Store
	now   func() time.Time
}

// NewLogger creates an audit Logger.
func NewLogger(store Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// Record stores entry. Params must never be passed here, only their digest.
// A failed write is logged and does not fail the action, which has already
// committed.
func (l *Logger) Record(ctx context.Context, entry *models.ActionEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if err := l.store.WriteActionEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("request_id", entry.RequestID).Msg("writing action log entry")
	}
}

// Query retrieves paginated action log entries, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.ActionFilter) ([]*models.ActionEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return l.store.QueryActionLog(ctx, filter)
}
