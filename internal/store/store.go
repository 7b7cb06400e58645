// Package store provides storage backends for the wealth score bot.
//
// SQLiteStore and PostgresStore persist users, survey sessions, answers,
// pillar snapshots and durable jobs. InMemoryStore implements the same
// contract for tests.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStateConflict is returned by ApplyTurn when the session is no longer in
	// the state the turn was computed from.
	ErrStateConflict = errors.New("session state changed concurrently")
	// ErrDSNNotSet is returned when a SQL store is created without a DSN.
	ErrDSNNotSet = errors.New("database DSN not set")
)

// TurnUpdate is the persisted outcome of one conversation turn.
//
// Session and User carry the full new values. Expected is the state the turn
// was computed from; the update only applies if the session still has it.
type TurnUpdate struct {
	Expected models.State
	Session  *models.Session
	// User is nil when the turn did not change any user field.
	User *models.User
	// Answer is nil unless the turn recorded an answer.
	Answer *models.Answer
}

// CompletedSession joins a completed session with its owner and pillar snapshot.
type CompletedSession struct {
	User    models.User
	Session models.Session
	Totals  models.PillarTotals
}

// Store is the persistence contract used by the conversation core.
type Store interface {
	// GetOrCreateUser returns the user for a WhatsApp identity, creating it on first contact.
	GetOrCreateUser(ctx context.Context, whatsappID string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)

	// GetOrCreateActiveSession returns the user's in_progress session or starts a new one.
	GetOrCreateActiveSession(ctx context.Context, userID string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// ApplyTurn commits a turn atomically. It returns ErrStateConflict when the
	// session is no longer in_progress at update.Expected.
	ApplyTurn(ctx context.Context, update TurnUpdate) error

	// SaveFinalization writes the scoring, narrative, report and finalization step fields.
	SaveFinalization(ctx context.Context, session *models.Session) error

	ListAnswers(ctx context.Context, sessionID string) ([]models.Answer, error)

	// SavePillarTotals stores the snapshot once; later calls for the same session are no-ops.
	SavePillarTotals(ctx context.Context, sessionID string, totals models.PillarTotals) error
	GetPillarTotals(ctx context.Context, sessionID string) (models.PillarTotals, error)

	// ListUnfinishedFinalizations returns completed sessions whose finalization has not reached done.
	ListUnfinishedFinalizations(ctx context.Context) ([]models.Session, error)
	ListCompletedSessions(ctx context.Context) ([]CompletedSession, error)

	Close() error
}

// Opts holds configuration options for SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}
