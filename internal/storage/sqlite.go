package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/studydeck/studydeck/internal/cardid"
	"github.com/studydeck/studydeck/internal/domain"
	"github.com/studydeck/studydeck/internal/sm2"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// SQLite is the local Store backend, a single-file database.
type SQLite struct {
	conn *sql.DB
	now  func() time.Time
}

// OpenSQLite creates a new database connection and ensures the schema is up
// to date.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{conn: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// CreateDeck inserts a new deck owned by ownerID.
func (s *SQLite) CreateDeck(ctx context.Context, ownerID, title, description string) (*domain.Deck, error) {
	if strings.TrimSpace(title) == "" {
		return nil, domain.ErrEmptyTitle
	}

	deck := &domain.Deck{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       title,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO decks (id, owner_id, title, description, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, deck.ID, deck.OwnerID, deck.Title, deck.Description, deck.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deck: %w", err)
	}
	return deck, nil
}

// GetDeck retrieves one deck owned by ownerID.
func (s *SQLite) GetDeck(ctx context.Context, ownerID, deckID string) (*domain.Deck, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, created_at
		FROM decks WHERE id = ? AND owner_id = ?
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

// ListDecks retrieves all decks owned by ownerID, newest first.
func (s *SQLite) ListDecks(ctx context.Context, ownerID string) ([]*domain.Deck, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, owner_id, title, description, created_at
		FROM decks WHERE owner_id = ?
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

// DeleteDeck removes a deck and every card in it. Sources feeding the deck
// are detached, not deleted.
func (s *SQLite) DeleteDeck(ctx context.Context, ownerID, deckID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM decks WHERE id = ? AND owner_id = ?`, deckID, ownerID)
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE deck_id = ?`, deckID); err != nil {
		return fmt.Errorf("failed to delete cards for deck %s: %w", deckID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sources SET deck_id = '' WHERE deck_id = ?`, deckID); err != nil {
		return fmt.Errorf("failed to detach sources for deck %s: %w", deckID, err)
	}

	return tx.Commit()
}

// CreateCard inserts a new card into a deck with the initial review state:
// due immediately, zero interval and repetitions, default ease factor.
func (s *SQLite) CreateCard(ctx context.Context, ownerID, deckID, front, back string) (*domain.Card, error) {
	if _, err := s.GetDeck(ctx, ownerID, deckID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
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
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cards (id, deck_id, front, back, fingerprint, interval, repetitions, ease_factor, next_review_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

const cardColumns = `
	cards.id, cards.deck_id, cards.front, cards.back, cards.fingerprint,
	cards.interval, cards.repetitions, cards.ease_factor, cards.next_review_date,
	cards.created_at, cards.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*domain.Card, error) {
	var c domain.Card
	err := row.Scan(
		&c.ID, &c.DeckID, &c.Front, &c.Back, &c.Fingerprint,
		&c.Interval, &c.Repetitions, &c.EaseFactor, &c.NextReviewDate,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCard retrieves one card owned by ownerID.
func (s *SQLite) GetCard(ctx context.Context, ownerID, cardID string) (*domain.Card, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE cards.id = ? AND decks.owner_id = ?
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

// ListCards retrieves every card in one deck.
func (s *SQLite) ListCards(ctx context.Context, ownerID, deckID string) ([]*domain.Card, error) {
	if _, err := s.GetDeck(ctx, ownerID, deckID); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE cards.deck_id = ?
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

// FindCardByFingerprint looks up a card in one deck by its content
// fingerprint.
func (s *SQLite) FindCardByFingerprint(ctx context.Context, ownerID, deckID, fingerprint string) (*domain.Card, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE cards.deck_id = ? AND cards.fingerprint = ? AND decks.owner_id = ?
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

// DeleteCard removes a single card.
func (s *SQLite) DeleteCard(ctx context.Context, ownerID, cardID string) error {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM cards
		WHERE id = ? AND deck_id IN (SELECT id FROM decks WHERE owner_id = ?)
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

// GetDueCards returns every card of the owner due at or before asOf,
// earliest first. Ties on the review date are broken by card id so the
// study order is deterministic.
func (s *SQLite) GetDueCards(ctx context.Context, ownerID string, asOf time.Time) ([]*domain.Card, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE decks.owner_id = ? AND cards.next_review_date <= ?
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

// ApplyGrade reads the card's current review state, runs it through the
// SM-2 transition, and persists the new snapshot. The read and the write
// happen in one transaction so the four scheduling fields always move
// together. The next review date is asOf plus the new interval in calendar
// days.
func (s *SQLite) ApplyGrade(ctx context.Context, ownerID, cardID string, grade domain.Grade, asOf time.Time) (*domain.Card, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards JOIN decks ON decks.id = cards.deck_id
		WHERE cards.id = ? AND decks.owner_id = ?
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
		SET interval = ?, repetitions = ?, ease_factor = ?, next_review_date = ?, updated_at = ?
		WHERE id = ?
	`, card.Interval, card.Repetitions, card.EaseFactor, card.NextReviewDate, card.UpdatedAt, card.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update card state for %s: %w", cardID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit grade for %s: %w", cardID, err)
	}
	return card, nil
}

// AddSource registers a new deck source for the owner.
func (s *SQLite) AddSource(ctx context.Context, ownerID, path, sourceType string) (*Source, error) {
	src := &Source{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Path:    path,
		Type:    sourceType,
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sources (id, owner_id, path, type, deck_id)
		VALUES (?, ?, ?, ?, '')
	`, src.ID, src.OwnerID, src.Path, src.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	return src, nil
}

// ListSources retrieves all sources registered by the owner.
func (s *SQLite) ListSources(ctx context.Context, ownerID string) ([]*Source, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, owner_id, path, type, deck_id, last_scanned
		FROM sources WHERE owner_id = ?
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

// DeleteSource removes a source registration. The deck it fed stays.
func (s *SQLite) DeleteSource(ctx context.Context, ownerID, sourceID string) error {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM sources WHERE id = ? AND owner_id = ?
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

// SetSourceDeck links a source to the deck its cards land in.
func (s *SQLite) SetSourceDeck(ctx context.Context, sourceID, deckID string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sources SET deck_id = ? WHERE id = ?
	`, deckID, sourceID)
	if err != nil {
		return fmt.Errorf("failed to link source %s to deck %s: %w", sourceID, deckID, err)
	}
	return nil
}

// TouchSource updates the last_scanned timestamp for a source.
func (s *SQLite) TouchSource(ctx context.Context, sourceID string, scannedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sources SET last_scanned = ? WHERE id = ?
	`, scannedAt.UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source %s: %w", sourceID, err)
	}
	return nil
}
