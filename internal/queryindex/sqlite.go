// Package queryindex is a SQLite-backed read index kept in sync with the
// event log. It exists purely for fast list/filter queries; every row in it
// is derivable by replaying the log, so a corrupt or missing index file is
// never a data-loss event, only a slow one until Rebuild runs.
package queryindex

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/fieldnote/specd/internal/events"
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// SpecSummary is a row from the specs table, the shape list queries return.
type SpecSummary struct {
	SpecID    string
	Title     string
	OneLiner  string
	Goal      string
	UpdatedAt string
}

// CardRow is a row from the cards table.
type CardRow struct {
	CardID    string
	SpecID    string
	CardType  string
	Title     string
	Body      *string
	Lane      string
	SortOrder float64
	CreatedBy string
	UpdatedAt string
}

// Index is a SQLite-backed cache mirroring spec and card data for fast
// reads. It is always rebuildable from the durable log.
type Index struct {
	db *sql.DB
}

// Open opens or creates the SQLite index database at path and ensures its
// schema exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS specs (
			spec_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			one_liner TEXT NOT NULL,
			goal TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cards (
			card_id TEXT PRIMARY KEY,
			spec_id TEXT NOT NULL,
			card_type TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT,
			lane TEXT NOT NULL,
			sort_order REAL NOT NULL,
			created_by TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (spec_id) REFERENCES specs(spec_id)
		);

		CREATE TABLE IF NOT EXISTS meta (
			spec_id TEXT PRIMARY KEY,
			last_event_id INTEGER NOT NULL
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) upsertCard(specID ulid.ULID, cardID ulid.ULID, cardType, title string, body *string, lane string, order float64, createdBy, updatedAt string) error {
	_, err := idx.db.Exec(
		`INSERT INTO cards (card_id, spec_id, card_type, title, body, lane, sort_order, created_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(card_id) DO UPDATE SET
			card_type = excluded.card_type,
			title = excluded.title,
			body = excluded.body,
			lane = excluded.lane,
			sort_order = excluded.sort_order,
			updated_at = excluded.updated_at`,
		cardID.String(), specID.String(), cardType, title, body, lane, order, createdBy, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert card: %w", err)
	}
	return nil
}

func (idx *Index) deleteCard(cardID ulid.ULID) error {
	_, err := idx.db.Exec("DELETE FROM cards WHERE card_id = ?", cardID.String())
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return nil
}

// ListSpecs returns every indexed spec, newest-updated first.
func (idx *Index) ListSpecs() ([]SpecSummary, error) {
	rows, err := idx.db.Query(
		"SELECT spec_id, title, one_liner, goal, updated_at FROM specs ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("query specs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var specs []SpecSummary
	for rows.Next() {
		var s SpecSummary
		if err := rows.Scan(&s.SpecID, &s.Title, &s.OneLiner, &s.Goal, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan spec row: %w", err)
		}
		specs = append(specs, s)
	}
	return specs, rows.Err()
}

// ListCards returns every card belonging to specID, ordered by sort_order.
func (idx *Index) ListCards(specID ulid.ULID) ([]CardRow, error) {
	rows, err := idx.db.Query(
		`SELECT card_id, spec_id, card_type, title, body, lane, sort_order, created_by, updated_at
		 FROM cards WHERE spec_id = ? ORDER BY sort_order ASC`,
		specID.String())
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cards []CardRow
	for rows.Next() {
		var c CardRow
		if err := rows.Scan(&c.CardID, &c.SpecID, &c.CardType, &c.Title, &c.Body,
			&c.Lane, &c.SortOrder, &c.CreatedBy, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan card row: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// LastEventID returns the last event applied to specID's index rows, or
// (0, false) if specID has never been indexed.
func (idx *Index) LastEventID(specID ulid.ULID) (uint64, bool, error) {
	var id uint64
	err := idx.db.QueryRow("SELECT last_event_id FROM meta WHERE spec_id = ?", specID.String()).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query last_event_id: %w", err)
	}
	return id, true, nil
}

func (idx *Index) setLastEventID(specID ulid.ULID, eventID uint64) error {
	_, err := idx.db.Exec(
		`INSERT INTO meta (spec_id, last_event_id) VALUES (?, ?)
		 ON CONFLICT(spec_id) DO UPDATE SET last_event_id = excluded.last_event_id`,
		specID.String(), eventID)
	if err != nil {
		return fmt.Errorf("set last_event_id: %w", err)
	}
	return nil
}

// Rebuild clears every row belonging to specID and replays evts into the
// index from scratch. Used by the recovery orchestrator when the index's
// last_event_id falls behind the log, or the index file is missing/corrupt.
func (idx *Index) Rebuild(specID ulid.ULID, evts []events.Event) error {
	if _, err := idx.db.Exec("DELETE FROM cards WHERE spec_id = ?", specID.String()); err != nil {
		return fmt.Errorf("clear cards: %w", err)
	}
	if _, err := idx.db.Exec("DELETE FROM specs WHERE spec_id = ?", specID.String()); err != nil {
		return fmt.Errorf("clear specs: %w", err)
	}
	if _, err := idx.db.Exec("DELETE FROM meta WHERE spec_id = ?", specID.String()); err != nil {
		return fmt.Errorf("clear meta: %w", err)
	}

	for i := range evts {
		if err := idx.Apply(specID, evts[i]); err != nil {
			return fmt.Errorf("apply event %d during rebuild: %w", evts[i].EventID, err)
		}
	}
	return nil
}

// Apply incrementally folds one committed event into the index. It
// satisfies internal/actor.IndexUpdater. Event types that do not touch a
// spec or card row (transcript, questions, agent steps) are no-ops here
// apart from advancing last_event_id.
func (idx *Index) Apply(specID ulid.ULID, event events.Event) error {
	ts := event.Timestamp.Format(timeLayout)

	switch p := event.Payload.(type) {
	case events.SpecCreatedPayload:
		_, err := idx.db.Exec(
			`INSERT INTO specs (spec_id, title, one_liner, goal, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(spec_id) DO UPDATE SET
				title = excluded.title, one_liner = excluded.one_liner,
				goal = excluded.goal, updated_at = excluded.updated_at`,
			specID.String(), p.Title, p.OneLiner, p.Goal, ts)
		if err != nil {
			return fmt.Errorf("apply SpecCreated: %w", err)
		}

	case events.SpecCoreUpdatedPayload:
		if p.Title != nil {
			if _, err := idx.db.Exec("UPDATE specs SET title = ? WHERE spec_id = ?", *p.Title, specID.String()); err != nil {
				return fmt.Errorf("apply SpecCoreUpdated title: %w", err)
			}
		}
		if p.OneLiner != nil {
			if _, err := idx.db.Exec("UPDATE specs SET one_liner = ? WHERE spec_id = ?", *p.OneLiner, specID.String()); err != nil {
				return fmt.Errorf("apply SpecCoreUpdated one_liner: %w", err)
			}
		}
		if p.Goal != nil {
			if _, err := idx.db.Exec("UPDATE specs SET goal = ? WHERE spec_id = ?", *p.Goal, specID.String()); err != nil {
				return fmt.Errorf("apply SpecCoreUpdated goal: %w", err)
			}
		}
		if _, err := idx.db.Exec("UPDATE specs SET updated_at = ? WHERE spec_id = ?", ts, specID.String()); err != nil {
			return fmt.Errorf("apply SpecCoreUpdated updated_at: %w", err)
		}

	case events.CardCreatedPayload:
		card := p.Card
		if err := idx.upsertCard(specID, card.CardID, card.CardType, card.Title, card.Body, card.Lane, card.Order, card.CreatedBy, ts); err != nil {
			return fmt.Errorf("apply CardCreated: %w", err)
		}

	case events.CardUpdatedPayload:
		if p.Title != nil {
			if _, err := idx.db.Exec("UPDATE cards SET title = ?, updated_at = ? WHERE card_id = ?",
				*p.Title, ts, p.CardID.String()); err != nil {
				return fmt.Errorf("apply CardUpdated title: %w", err)
			}
		}
		if p.Body.Set {
			var body *string
			if p.Body.Valid {
				body = &p.Body.Value
			}
			if _, err := idx.db.Exec("UPDATE cards SET body = ?, updated_at = ? WHERE card_id = ?",
				body, ts, p.CardID.String()); err != nil {
				return fmt.Errorf("apply CardUpdated body: %w", err)
			}
		}
		if p.CardType != nil {
			if _, err := idx.db.Exec("UPDATE cards SET card_type = ?, updated_at = ? WHERE card_id = ?",
				*p.CardType, ts, p.CardID.String()); err != nil {
				return fmt.Errorf("apply CardUpdated card_type: %w", err)
			}
		}
		if _, err := idx.db.Exec("UPDATE cards SET updated_at = ? WHERE card_id = ?", ts, p.CardID.String()); err != nil {
			return fmt.Errorf("apply CardUpdated updated_at: %w", err)
		}

	case events.CardMovedPayload:
		if _, err := idx.db.Exec(
			"UPDATE cards SET lane = ?, sort_order = ?, updated_at = ? WHERE card_id = ?",
			p.Lane, p.Order, ts, p.CardID.String()); err != nil {
			return fmt.Errorf("apply CardMoved: %w", err)
		}

	case events.CardDeletedPayload:
		if err := idx.deleteCard(p.CardID); err != nil {
			return fmt.Errorf("apply CardDeleted: %w", err)
		}

	case events.UndoAppliedPayload:
		for _, inverse := range p.InverseEvents {
			synthetic := events.Event{EventID: event.EventID, SpecID: event.SpecID, Timestamp: event.Timestamp, Payload: inverse}
			if err := idx.Apply(specID, synthetic); err != nil {
				return fmt.Errorf("apply UndoApplied inverse: %w", err)
			}
		}

	default:
		// Transcript, questions, and agent-step events carry nothing a
		// list/filter query needs.
	}

	if err := idx.setLastEventID(specID, event.EventID); err != nil {
		return fmt.Errorf("set last_event_id after apply: %w", err)
	}
	return nil
}
