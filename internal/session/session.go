package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/studydeck/studydeck/internal/domain"
)

// Grader persists one review. The storage.Store satisfies this; tests use a
// stub.
type Grader interface {
	ApplyGrade(ctx context.Context, ownerID, cardID string, grade domain.Grade, asOf time.Time) (*domain.Card, error)
}

// Session walks a batch of due cards one at a time: present the current
// card, grade it, advance. Reviewing is sequential by design; the internal
// mutex serializes callers, so a duplicate concurrent grade loses with
// ErrWrongCard instead of corrupting the position.
type Session struct {
	store   Grader
	ownerID string
	cards   []*domain.Card

	mu       sync.Mutex
	position int
	reviewed int
}

// New starts a session over cards, typically the result of GetDueCards.
func New(store Grader, ownerID string, cards []*domain.Card) *Session {
	return &Session{store: store, ownerID: ownerID, cards: cards}
}

// Current returns the card to present next. After the last card has been
// graded it returns ErrSessionComplete.
func (s *Session) Current() (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done() {
		return nil, domain.ErrSessionComplete
	}
	return s.cards[s.position], nil
}

// Grade applies a review grade to the current card and advances to the next
// one. Grading any card other than the current one fails with ErrWrongCard.
// If the store fails, the position does not advance, so the caller can retry
// the same card or abandon the session; nothing is left half-written because
// the store commits each review atomically.
func (s *Session) Grade(ctx context.Context, cardID string, grade domain.Grade, asOf time.Time) (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done() {
		return nil, domain.ErrSessionComplete
	}
	current := s.cards[s.position]
	if cardID != current.ID {
		return nil, fmt.Errorf("%w: got %s, current is %s", domain.ErrWrongCard, cardID, current.ID)
	}

	updated, err := s.store.ApplyGrade(ctx, s.ownerID, cardID, grade, asOf)
	if err != nil {
		return nil, err
	}

	s.position++
	s.reviewed++
	return updated, nil
}

// Status is a point-in-time snapshot of the session's progress. Current is
// nil once the session is complete.
type Status struct {
	Current   *domain.Card
	Reviewed  int
	Remaining int
	Done      bool
}

// Status returns a consistent snapshot of the session under one lock.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Reviewed:  s.reviewed,
		Remaining: len(s.cards) - s.position,
		Done:      s.done(),
	}
	if !status.Done {
		status.Current = s.cards[s.position]
	}
	return status
}

// Done reports whether every card in the batch has been graded.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done()
}

func (s *Session) done() bool {
	return s.position >= len(s.cards)
}

// Reviewed returns how many cards have been graded so far.
func (s *Session) Reviewed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reviewed
}

// Remaining returns how many cards are still waiting for a grade.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards) - s.position
}
