package storage

import (
	"context"
	"time"

	"github.com/studydeck/studydeck/internal/domain"
)

// Source is the origin of an imported deck, either a local directory or a
// git repository of markdown deck files. Each source feeds exactly one deck.
type Source struct {
	ID          string
	OwnerID     string
	Path        string
	Type        string // "local" or "git"
	DeckID      string // empty until the first sync creates the deck
	LastScanned time.Time
}

// Store owns deck and card persistence and answers the due-card query.
// Ownership is an explicit parameter on every operation: a caller can only
// see and mutate its own decks and cards. There is one implementation per
// backend; callers never branch on which backend is active.
type Store interface {
	CreateDeck(ctx context.Context, ownerID, title, description string) (*domain.Deck, error)
	GetDeck(ctx context.Context, ownerID, deckID string) (*domain.Deck, error)
	ListDecks(ctx context.Context, ownerID string) ([]*domain.Deck, error)
	DeleteDeck(ctx context.Context, ownerID, deckID string) error

	CreateCard(ctx context.Context, ownerID, deckID, front, back string) (*domain.Card, error)
	GetCard(ctx context.Context, ownerID, cardID string) (*domain.Card, error)
	ListCards(ctx context.Context, ownerID, deckID string) ([]*domain.Card, error)
	DeleteCard(ctx context.Context, ownerID, cardID string) error

	// FindCardByFingerprint looks up a card in one deck by its content
	// fingerprint. Returns ErrNotFound when no card in the deck matches.
	FindCardByFingerprint(ctx context.Context, ownerID, deckID, fingerprint string) (*domain.Card, error)

	// GetDueCards returns every card of the owner whose next review date is
	// at or before asOf, earliest first, ties broken by card id.
	GetDueCards(ctx context.Context, ownerID string, asOf time.Time) ([]*domain.Card, error)

	// ApplyGrade runs the scheduling transition for one review and persists
	// the new snapshot atomically: interval, repetitions, ease factor and
	// next review date update together or not at all.
	ApplyGrade(ctx context.Context, ownerID, cardID string, grade domain.Grade, asOf time.Time) (*domain.Card, error)

	AddSource(ctx context.Context, ownerID, path, sourceType string) (*Source, error)
	ListSources(ctx context.Context, ownerID string) ([]*Source, error)
	DeleteSource(ctx context.Context, ownerID, sourceID string) error
	SetSourceDeck(ctx context.Context, sourceID, deckID string) error
	TouchSource(ctx context.Context, sourceID string, scannedAt time.Time) error

	Close() error
}
