// Package history persists location reports to PostgreSQL for
// after-the-fact review. Reports arrive over NATS from every server
// instance and are written in batches to keep insert volume manageable.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one persisted location report.
type Entry struct {
	MeetingID      string
	ParticipantID  string
	Lat            float64
	Lng            float64
	MovementStatus string
	Arrived        bool
	ReportedAt     time.Time
}

// Store manages location history in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies any pending schema migrations.
func (s *Store) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// InsertBatch writes a batch of entries in a single multi-row INSERT.
// An empty batch is a no-op.
func (s *Store) InsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO location_history
		(meeting_id, participant_id, lat, lng, movement_status, arrived, reported_at)
		VALUES `)

	args := make([]interface{}, 0, len(entries)*7)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, e.MeetingID, e.ParticipantID, e.Lat, e.Lng,
			e.MovementStatus, e.Arrived, e.ReportedAt)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("history: insert batch of %d: %w", len(entries), err)
	}
	return nil
}

// CountByMeeting returns how many reports were persisted for a meeting.
func (s *Store) CountByMeeting(ctx context.Context, meetingID string) (int, error) {
	const query = `SELECT COUNT(*) FROM location_history WHERE meeting_id = $1`

	var count int
	if err := s.db.QueryRowContext(ctx, query, meetingID).Scan(&count); err != nil {
		return 0, fmt.Errorf("history: count %s: %w", meetingID, err)
	}
	return count, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
