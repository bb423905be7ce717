// Package store persists completed rounds to SQLite.
//
// Appends are fire-and-forget from the orchestration core's point of
// view: rounds are enqueued to a single writer goroutine that owns
// ordering and durability, so tick processing never blocks on disk.
package store

import (
	"database/sql"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lox/tablerunner/internal/table"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rounds (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT NOT NULL,
    table_id      INTEGER NOT NULL,
    round_number  INTEGER NOT NULL,
    recorded_at   TEXT NOT NULL,
    timer_start   INTEGER NOT NULL,
    blue_score    INTEGER NOT NULL,
    red_score     INTEGER NOT NULL,
    winner        TEXT NOT NULL,
    decision      TEXT NOT NULL DEFAULT '',
    pattern       TEXT NOT NULL DEFAULT '',
    result        TEXT NOT NULL DEFAULT 'none'
);

CREATE INDEX IF NOT EXISTS idx_rounds_session_table
ON rounds(session_id, table_id, round_number);
`

type roundRow struct {
	tableID int
	rec     table.RoundRecord
}

// Store writes rounds for one session.
type Store struct {
	db      *sql.DB
	session string
	queue   chan roundRow
	done    chan struct{}
	closed  sync.Once
	logger  *log.Logger
}

// Open opens (creating if needed) the database at path and starts a new
// session.
func Open(path string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	session := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO sessions (id, started_at) VALUES (?, ?)`,
		session, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		session: session,
		queue:   make(chan roundRow, 256),
		done:    make(chan struct{}),
		logger:  logger.WithPrefix("store").With("session", session),
	}
	go s.writeLoop()

	s.logger.Info("session opened", "path", path)
	return s, nil
}

// Session returns the session identifier.
func (s *Store) Session() string { return s.session }

// AppendRound enqueues a completed round. It never blocks: if the writer
// has fallen unrecoverably behind, the round is dropped with a log line
// rather than stalling a tick.
func (s *Store) AppendRound(tableID int, rec table.RoundRecord) {
	select {
	case s.queue <- roundRow{tableID: tableID, rec: rec}:
	default:
		s.logger.Error("write queue full, dropping round", "table", tableID, "round", rec.RoundNumber)
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for row := range s.queue {
		if err := s.insert(row); err != nil {
			s.logger.Error("failed to persist round", "table", row.tableID, "round", row.rec.RoundNumber, "error", err)
		}
	}
}

func (s *Store) insert(row roundRow) error {
	rec := row.rec
	_, err := s.db.Exec(`
		INSERT INTO rounds
		(session_id, table_id, round_number, recorded_at, timer_start,
		 blue_score, red_score, winner, decision, pattern, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.session,
		row.tableID,
		rec.RoundNumber,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.TimerStart,
		rec.BlueScore,
		rec.RedScore,
		string(rune(rec.Winner)),
		rec.DecisionMade.String(),
		rec.PatternMatched,
		string(rec.Result),
	)
	return err
}

// RoundCount returns how many rounds this session has persisted for a
// table. Used by tests and diagnostics.
func (s *Store) RoundCount(tableID int) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM rounds WHERE session_id = ? AND table_id = ?`,
		s.session, tableID,
	).Scan(&n)
	return n, err
}

// Close drains the queue and closes the database.
func (s *Store) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.queue)
		<-s.done
		err = s.db.Close()
		s.logger.Info("session closed")
	})
	return err
}
