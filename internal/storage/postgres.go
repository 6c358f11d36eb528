package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // Registers the postgres driver
	"github.com/studydeck/studydeck/internal/cardid"
	"github.com/studydeck/studydeck/internal/domain"
	"github.com/studydeck/studydeck/internal/sm2"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS decks (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    deck_id TEXT NOT NULL REFERENCES decks(id),
    front TEXT NOT NULL,
    back TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    interval INTEGER NOT NULL DEFAULT 0,
    repetitions INTEGER NOT NULL DEFAULT 0,
    ease_factor DOUBLE PRECISION NOT NULL,
    next_review_date TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cards_due ON cards(next_review_date);

CREATE TABLE IF NOT EXISTS sources (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    path TEXT NOT NULL,
    type TEXT NOT NULL,
    deck_id TEXT NOT NULL DEFAULT '',
    last_scanned TIMESTAMPTZ
);
`

// Postgres is the remote Store backend, for running studydeck against a
// shared database instead of the local sqlite file.
type Postgres struct {
	conn *sql.DB
	now  func() time.Time
}

// OpenPostgres connects to a postgres database and ensures the schema is up
// to date.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Postgres{conn: db, now: time.Now}, nil
}

func (p *Postgres) Close() error {
	return p.conn.Close()
}

func (p *Postgres) CreateDeck(ctx context.Context, ownerID, title, description string) (*domain.Deck, error) {
	if strings.TrimSpace(title) == "" {
		return nil, domain.ErrEmptyTitle
	}

	deck := &domain.Deck{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       title,
		Description: description,
		CreatedAt:   p.now().UTC(),
	}
	_, err := p.conn.ExecContext(ctx, `
		INSERT INTO decks (id, owner_id, title, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, deck.ID, deck.OwnerID, deck.Title, deck.Description, deck.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deck: %w", err)
	}
	return deck, nil
}

func (p *Postgres) GetDeck(ctx context.Context, ownerID, deckID string) (*domain.Deck, error) {
	row := p.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, created_at
		FROM decks WHERE id = $1 AND owner_id = $2
	`, deckID, ownerID)

	var d domain.Deck
	err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Description, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find deck %s: %w", deckID, err)
	}
	return &d, nil
}

func (p *Postgres) ListDecks(ctx context.Context, ownerID string) ([]*domain.Deck, error) {
	rows, err := p.conn.QueryContext(ctx, `
		SELECT id, owner_id, title, description, created_at
		FROM decks WHERE owner_id = $1
		ORDER BY created_at DESC, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decks: %w", err)
	}
	defer rows.Close()

	var decks []*domain.Deck
	for rows.Next() {
		var d domain.Deck
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Description, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deck row: %w", err)
		}
		decks = append(decks, &d)
	}
	return decks, rows.Err()
}

func (p *Postgres) DeleteDeck(ctx context.Context, ownerID, deckID string) error {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE deck_id = $1`, deckID); err != nil {
		return fmt.Errorf("failed to delete cards for deck %s: %w", deckID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sources SET deck_id = '' WHERE deck_id = $1`, deckID); err != nil {
		return fmt.Errorf("failed to detach sources for deck %s: %w", deckID, err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM decks WHERE id = $1 AND owner_id = $2`, deckID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete deck %s: %w", deckID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check deck delete: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}

	return tx.Commit()
}

func (p *Postgres) CreateCard(ctx context.Context, ownerID, deckID, front, back string) (*domain.Card, error) {
	if _, err := p.GetDeck(ctx, ownerID, deckID); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	card := &domain.Card{
		ID:             uuid.NewString(),
		DeckID:         deckID,
		Front:          front,
		Back:           back,
		Fingerprint:    cardid.Fingerprint(front, back),
		Interval:       0,
		Repetitions:    0,
		EaseFactor:     sm2.InitialEase,
		NextReviewDate: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := p.conn.ExecContext(ctx, `
		INSERT INTO cards (id, deck_id, front, back, fingerprint, interval, repetitions, ease_factor, next_review_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		card.ID, card.DeckID, card.Front, card.Back, card.Fingerprint,
		card.Interval, card.Repetitions, card.EaseFactor, card.NextReviewDate,
		card.CreatedAt, card.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert card: %w", err)
	}
	return card, nil
}

func (p *Postgres) GetCard(ctx context.Context, ownerID, cardID string) (*domain.Card, error) {
	row := p.conn.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE cards.id = $1 AND decks.owner_id = $2
	`, cardID, ownerID)

	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find card %s: %w", cardID, err)
	}
	return card, nil
}

func (p *Postgres) ListCards(ctx context.Context, ownerID, deckID string) ([]*domain.Card, error) {
	if _, err := p.GetDeck(ctx, ownerID, deckID); err != nil {
		return nil, err
	}

	rows, err := p.conn.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE cards.deck_id = $1
		ORDER BY cards.created_at, cards.id
	`, deckID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards for deck %s: %w", deckID, err)
	}
	defer rows.Close()

	var cards []*domain.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func (p *Postgres) FindCardByFingerprint(ctx context.Context, ownerID, deckID, fingerprint string) (*domain.Card, error) {
	row := p.conn.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE cards.deck_id = $1 AND cards.fingerprint = $2 AND decks.owner_id = $3
	`, deckID, fingerprint, ownerID)

	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find card by fingerprint in deck %s: %w", deckID, err)
	}
	return card, nil
}

func (p *Postgres) DeleteCard(ctx context.Context, ownerID, cardID string) error {
	res, err := p.conn.ExecContext(ctx, `
		DELETE FROM cards
		WHERE id = $1 AND deck_id IN (SELECT id FROM decks WHERE owner_id = $2)
	`, cardID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete card %s: %w", cardID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check card delete: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) GetDueCards(ctx context.Context, ownerID string, asOf time.Time) ([]*domain.Card, error) {
	rows, err := p.conn.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE decks.owner_id = $1 AND cards.next_review_date <= $2
		ORDER BY cards.next_review_date ASC, cards.id ASC
	`, ownerID, asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get due cards: %w", err)
	}
	defer rows.Close()

	var cards []*domain.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due card row: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// ApplyGrade locks the card row for the duration of the transaction so two
// concurrent reviews of the same card cannot interleave their writes.
func (p *Postgres) ApplyGrade(ctx context.Context, ownerID, cardID string, grade domain.Grade, asOf time.Time) (*domain.Card, error) {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE cards.id = $1 AND decks.owner_id = $2
		FOR UPDATE OF cards
	`, cardID, ownerID)

	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find card %s: %w", cardID, err)
	}

	next, err := sm2.NextState(grade, sm2.ReviewState{
		Interval:    card.Interval,
		Repetitions: card.Repetitions,
		EaseFactor:  card.EaseFactor,
	})
	if err != nil {
		return nil, err
	}

	card.Interval = next.Interval
	card.Repetitions = next.Repetitions
	card.EaseFactor = next.EaseFactor
	card.UpdatedAt = asOf.UTC()
	card.NextReviewDate = card.UpdatedAt.AddDate(0, 0, next.Interval)

	_, err = tx.ExecContext(ctx, `
		UPDATE cards
		SET interval = $1, repetitions = $2, ease_factor = $3, next_review_date = $4, updated_at = $5
		WHERE id = $6
	`, card.Interval, card.Repetitions, card.EaseFactor, card.NextReviewDate, card.UpdatedAt, card.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update card state for %s: %w", cardID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit grade for %s: %w", cardID, err)
	}
	return card, nil
}

func (p *Postgres) AddSource(ctx context.Context, ownerID, path, sourceType string) (*Source, error) {
	src := &Source{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Path:    path,
		Type:    sourceType,
	}
	_, err := p.conn.ExecContext(ctx, `
		INSERT INTO sources (id, owner_id, path, type, deck_id)
		VALUES ($1, $2, $3, $4, '')
	`, src.ID, src.OwnerID, src.Path, src.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	return src, nil
}

func (p *Postgres) ListSources(ctx context.Context, ownerID string) ([]*Source, error) {
	rows, err := p.conn.QueryContext(ctx, `
		SELECT id, owner_id, path, type, deck_id, last_scanned
		FROM sources WHERE owner_id = $1
		ORDER BY path
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		var src Source
		var scanned sql.NullTime
		if err := rows.Scan(&src.ID, &src.OwnerID, &src.Path, &src.Type, &src.DeckID, &scanned); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		if scanned.Valid {
			src.LastScanned = scanned.Time
		}
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

func (p *Postgres) DeleteSource(ctx context.Context, ownerID, sourceID string) error {
	res, err := p.conn.ExecContext(ctx, `
		DELETE FROM sources WHERE id = $1 AND owner_id = $2
	`, sourceID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete source %s: %w", sourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check source delete: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) SetSourceDeck(ctx context.Context, sourceID, deckID string) error {
	_, err := p.conn.ExecContext(ctx, `
		UPDATE sources SET deck_id = $1 WHERE id = $2
	`, deckID, sourceID)
	if err != nil {
		return fmt.Errorf("failed to link source %s to deck %s: %w", sourceID, deckID, err)
	}
	return nil
}

func (p *Postgres) TouchSource(ctx context.Context, sourceID string, scannedAt time.Time) error {
	_, err := p.conn.ExecContext(ctx, `
		UPDATE sources SET last_scanned = $1 WHERE id = $2
	`, scannedAt.UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source %s: %w", sourceID, err)
	}
	return nil
}
