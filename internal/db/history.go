package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ladderbot/internal/events"
	"github.com/energizer-project/ladderbot/internal/util"
)

// HistoryStore records every battle the bot plays.
type HistoryStore struct {
	db     *Database
	logger zerolog.Logger
}

// Battle is one row of the battle history.
type Battle struct {
	ID        int64          `json:"id"`
	Room      string         `json:"room"`
	Format    string         `json:"format"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Outcome   events.Outcome `json:"outcome,omitempty"`
	Winner    string         `json:"winner,omitempty"`
	Turns     int            `json:"turns"`
}

// HistoryStats aggregates the history table.
type HistoryStats struct {
	Total      int     `json:"total"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	Ties       int     `json:"ties"`
	Closed     int     `json:"closed"`
	Unfinished int     `json:"unfinished"`
	WinRate    float64 `json:"win_rate"`
}

// NewHistoryStore opens the history database at dbPath and migrates it.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	hs := &HistoryStore{db: database, logger: util.ComponentLogger("history")}
	if err := hs.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hs, nil
}

// historyMigrations are applied in order. Times are unix seconds.
var historyMigrations = []string{
	`CREATE TABLE IF NOT EXISTS battles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		format TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		outcome TEXT NOT NULL DEFAULT '',
		winner TEXT NOT NULL DEFAULT '',
		turns INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_battles_started ON battles(started_at);`,

	`CREATE INDEX IF NOT EXISTS idx_battles_room ON battles(room);`,
}

func (hs *HistoryStore) migrate() error {
	return hs.db.Migrate(historyMigrations)
}

// Close closes the underlying database.
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}

// RecordStart inserts an open row for a battle that just began. Room ids are
// unique per battle, so a start arriving after its result is dropped.
func (hs *HistoryStore) RecordStart(room, format string, at time.Time) error {
	_, err := hs.db.Exec(`
		INSERT INTO battles (room, format, started_at)
		SELECT ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM battles WHERE room = ?)`,
		room, format, at.Unix(), room,
	)
	if err != nil {
		return fmt.Errorf("failed to record battle start for %s: %w", room, err)
	}
	return nil
}

// RecordResult closes the most recent open row for room. A result without a
// recorded start is inserted as a complete row.
func (hs *HistoryStore) RecordResult(room, winner string, outcome events.Outcome, turns int, at time.Time) error {
	return hs.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE battles SET ended_at = ?, outcome = ?, winner = ?, turns = ?
			WHERE id = (
				SELECT id FROM battles WHERE room = ? AND ended_at IS NULL
				ORDER BY id DESC LIMIT 1
			)`,
			at.Unix(), string(outcome), winner, turns, room,
		)
		if err != nil {
			return fmt.Errorf("failed to record battle result for %s: %w", room, err)
		}

		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		_, err = tx.Exec(
			`INSERT INTO battles (room, started_at, ended_at, outcome, winner, turns)
			VALUES (?, ?, ?, ?, ?, ?)`,
			room, at.Unix(), at.Unix(), string(outcome), winner, turns,
		)
		if err != nil {
			return fmt.Errorf("failed to insert battle result for %s: %w", room, err)
		}
		return nil
	})
}

// Recent returns up to limit battles, newest first.
func (hs *HistoryStore) Recent(limit int) ([]Battle, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := hs.db.Query(`
		SELECT id, room, format, started_at, ended_at, outcome, winner, turns
		FROM battles ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query battles: %w", err)
	}
	defer rows.Close()

	var battles []Battle
	for rows.Next() {
		var (
			b       Battle
			started int64
			ended   sql.NullInt64
			outcome string
		)
		if err := rows.Scan(&b.ID, &b.Room, &b.Format, &started, &ended, &outcome, &b.Winner, &b.Turns); err != nil {
			return nil, fmt.Errorf("failed to scan battle: %w", err)
		}
		b.StartedAt = time.Unix(started, 0)
		if ended.Valid {
			t := time.Unix(ended.Int64, 0)
			b.EndedAt = &t
		}
		b.Outcome = events.Outcome(outcome)
		battles = append(battles, b)
	}
	return battles, rows.Err()
}

// Stats aggregates outcomes across the whole history.
func (hs *HistoryStore) Stats() (HistoryStats, error) {
	var s HistoryStats
	err := hs.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'win' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'loss' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'tie' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'closed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM battles`).Scan(&s.Total, &s.Wins, &s.Losses, &s.Ties, &s.Closed, &s.Unfinished)
	if err != nil {
		return HistoryStats{}, fmt.Errorf("failed to compute stats: %w", err)
	}

	if decided := s.Wins + s.Losses + s.Ties; decided > 0 {
		s.WinRate = float64(s.Wins) / float64(decided)
	}
	return s, nil
}

// Prune deletes battles that started before the cutoff.
func (hs *HistoryStore) Prune(before time.Time) (int64, error) {
	res, err := hs.db.Exec("DELETE FROM battles WHERE started_at < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune battles: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		hs.logger.Info().Int64("removed", n).Time("before", before).Msg("pruned battle history")
	}
	return n, nil
}

// Subscribe records battle start and end events from the bus.
func (hs *HistoryStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe("history", hs.handleEvent, events.EventBattleStarted, events.EventBattleEnded)
}

func (hs *HistoryStore) handleEvent(ctx context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case events.BattlePayload:
		return hs.RecordStart(p.Room, p.Format, e.Time)
	case events.BattleEndedPayload:
		return hs.RecordResult(p.Room, p.Winner, p.Outcome, p.Turns, e.Time)
	}
	return nil
}
