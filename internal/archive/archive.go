// Package archive persists the merged lexicon to PostgreSQL in immutable
// generations. On a restart within the freshness window the service reloads
// the latest generation instead of hitting remote sources again.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oyvindek/nordlex/internal/lexicon"
	"github.com/oyvindek/nordlex/pkg/logger"
	"github.com/oyvindek/nordlex/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	id          BIGSERIAL PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	entry_count INTEGER NOT NULL,
	from_snapshot BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS entries (
	run_id      BIGINT NOT NULL REFERENCES ingest_runs(id) ON DELETE CASCADE,
	entry_id    TEXT NOT NULL,
	position    INTEGER NOT NULL,
	payload     JSONB NOT NULL,
	PRIMARY KEY (run_id, entry_id)
);

CREATE INDEX IF NOT EXISTS entries_run_position ON entries (run_id, position);
`

// Archive stores full lexicon generations. Each successful ingestion run
// writes one generation; readers only ever see the newest complete one.
type Archive struct {
	client *postgres.Client
	logger *slog.Logger
}

// Generation describes one archived lexicon generation.
type Generation struct {
	RunID        int64
	FinishedAt   time.Time
	EntryCount   int
	FromSnapshot bool
}

// New prepares the archive, creating its schema if needed.
func New(ctx context.Context, client *postgres.Client) (*Archive, error) {
	if _, err := client.DB.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating archive schema: %w", err)
	}
	return &Archive{
		client: client,
		logger: logger.WithComponent("archive"),
	}, nil
}

// Save writes the full entry set as a new generation and prunes older ones.
// The write is transactional: a crash mid-save leaves the previous generation
// untouched.
func (a *Archive) Save(ctx context.Context, entries []*lexicon.Entry, startedAt time.Time, fromSnapshot bool) error {
	err := a.client.InTx(ctx, func(tx *sql.Tx) error {
		var runID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO ingest_runs (started_at, finished_at, entry_count, from_snapshot)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			startedAt, time.Now().UTC(), len(entries), fromSnapshot,
		).Scan(&runID)
		if err != nil {
			return fmt.Errorf("inserting ingest run: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO entries (run_id, entry_id, position, payload) VALUES ($1, $2, $3, $4)`)
		if err != nil {
			return fmt.Errorf("preparing entry insert: %w", err)
		}
		defer stmt.Close()

		for _, entry := range entries {
			payload, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshaling entry %s: %w", entry.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, runID, entry.ID, entry.Position, payload); err != nil {
				return fmt.Errorf("inserting entry %s: %w", entry.ID, err)
			}
		}

		// Keep only the generation just written.
		if _, err := tx.ExecContext(ctx, `DELETE FROM ingest_runs WHERE id <> $1`, runID); err != nil {
			return fmt.Errorf("pruning old generations: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("generation archived", "entries", len(entries))
	return nil
}

// Latest returns metadata for the newest generation, or nil when the archive
// is empty.
func (a *Archive) Latest(ctx context.Context) (*Generation, error) {
	var gen Generation
	err := a.client.DB.QueryRowContext(ctx,
		`SELECT id, finished_at, entry_count, from_snapshot
		 FROM ingest_runs ORDER BY id DESC LIMIT 1`,
	).Scan(&gen.RunID, &gen.FinishedAt, &gen.EntryCount, &gen.FromSnapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest generation: %w", err)
	}
	return &gen, nil
}

// Load streams the entries of a generation in their original positions.
func (a *Archive) Load(ctx context.Context, runID int64) ([]lexicon.RawRecord, error) {
	rows, err := a.client.DB.QueryContext(ctx,
		`SELECT payload FROM entries WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying generation %d: %w", runID, err)
	}
	defer rows.Close()

	records := make([]lexicon.RawRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}
		var entry lexicon.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("unmarshaling archived entry: %w", err)
		}
		records = append(records, lexicon.RawRecord{
			ID:         entry.ID,
			SourceTerm: entry.SourceTerm,
			TargetTerm: entry.TargetTerm,
			Keywords:   entry.Keywords,
			Category:   entry.Category,
			Level:      entry.Level,
			Source:     entry.Source,
			Frequency:  entry.Frequency,
			Answer:     entry.Answer,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading generation %d: %w", runID, err)
	}
	return records, nil
}

// LastUpdate returns the finish time of the newest generation, zero when the
// archive is empty. The ingestion freshness gate keys off this value.
func (a *Archive) LastUpdate(ctx context.Context) (time.Time, error) {
	gen, err := a.Latest(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if gen == nil {
		return time.Time{}, nil
	}
	return gen.FinishedAt, nil
}
