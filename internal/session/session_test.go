package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/studydeck/studydeck/internal/domain"
)

// fakeGrader records ApplyGrade calls and can be told to fail.
type fakeGrader struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (f *fakeGrader) ApplyGrade(_ context.Context, _ string, cardID string, grade domain.Grade, asOf time.Time) (*domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.calls = append(f.calls, cardID)
	return &domain.Card{ID: cardID, Interval: 1, Repetitions: 1, EaseFactor: 2.6, NextReviewDate: asOf.AddDate(0, 0, 1)}, nil
}

func dueCards(ids ...string) []*domain.Card {
	cards := make([]*domain.Card, 0, len(ids))
	for _, id := range ids {
		cards = append(cards, &domain.Card{ID: id})
	}
	return cards
}

func TestSessionWalksCardsInOrder(t *testing.T) {
	ctx := context.Background()
	grader := &fakeGrader{}
	sess := New(grader, "alice", dueCards("c1", "c2", "c3"))

	for _, want := range []string{"c1", "c2", "c3"} {
		card, err := sess.Current()
		if err != nil {
			t.Fatalf("Current() returned an unexpected error: %v", err)
		}
		if card.ID != want {
			t.Fatalf("Expected current card %s, got %s", want, card.ID)
		}
		if _, err := sess.Grade(ctx, card.ID, 4, time.Now()); err != nil {
			t.Fatalf("Grade(%s) returned an unexpected error: %v", card.ID, err)
		}
	}

	if !sess.Done() {
		t.Error("Expected session to be complete after grading every card")
	}
	if sess.Reviewed() != 3 {
		t.Errorf("Expected reviewedCount 3, got %d", sess.Reviewed())
	}
	if len(grader.calls) != 3 {
		t.Errorf("Expected 3 store calls, got %d", len(grader.calls))
	}
}

func TestSessionRejectsOutOfOrderGrades(t *testing.T) {
	ctx := context.Background()
	sess := New(&fakeGrader{}, "alice", dueCards("c1", "c2"))

	_, err := sess.Grade(ctx, "c2", 4, time.Now())
	if !errors.Is(err, domain.ErrWrongCard) {
		t.Fatalf("Expected ErrWrongCard, got %v", err)
	}

	// The current card is unchanged and can still be graded.
	card, err := sess.Current()
	if err != nil {
		t.Fatal(err)
	}
	if card.ID != "c1" {
		t.Errorf("Expected current card c1 after rejected grade, got %s", card.ID)
	}
}

func TestSessionRejectsGradesAfterComplete(t *testing.T) {
	ctx := context.Background()
	sess := New(&fakeGrader{}, "alice", dueCards("c1"))

	if _, err := sess.Grade(ctx, "c1", 5, time.Now()); err != nil {
		t.Fatal(err)
	}
	if !sess.Done() {
		t.Fatal("Expected session to be complete")
	}

	if _, err := sess.Grade(ctx, "c1", 5, time.Now()); !errors.Is(err, domain.ErrSessionComplete) {
		t.Errorf("Expected ErrSessionComplete, got %v", err)
	}
	if _, err := sess.Current(); !errors.Is(err, domain.ErrSessionComplete) {
		t.Errorf("Expected ErrSessionComplete from Current(), got %v", err)
	}
}

func TestSessionStoreFailureDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	grader := &fakeGrader{fail: errors.New("connection reset")}
	sess := New(grader, "alice", dueCards("c1", "c2"))

	_, err := sess.Grade(ctx, "c1", 4, time.Now())
	if err == nil || err.Error() != "connection reset" {
		t.Fatalf("Expected the store error to surface unmodified, got %v", err)
	}
	if sess.Reviewed() != 0 {
		t.Errorf("Expected reviewedCount 0 after failure, got %d", sess.Reviewed())
	}

	// Retry the same card once the store recovers.
	grader.fail = nil
	card, err := sess.Current()
	if err != nil {
		t.Fatal(err)
	}
	if card.ID != "c1" {
		t.Fatalf("Expected to retry c1, got %s", card.ID)
	}
	if _, err := sess.Grade(ctx, "c1", 4, time.Now()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if sess.Remaining() != 1 {
		t.Errorf("Expected 1 card remaining, got %d", sess.Remaining())
	}
}

func TestSessionSerializesConcurrentGrades(t *testing.T) {
	ctx := context.Background()
	grader := &fakeGrader{}
	cards := dueCards("c1", "c2", "c3", "c4", "c5")
	sess := New(grader, "alice", cards)

	// Several workers race to grade the same session; a worker that loses
	// the race gets ErrWrongCard and retries with the new current card.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				card, err := sess.Current()
				if errors.Is(err, domain.ErrSessionComplete) {
					return
				}
				if err != nil {
					t.Errorf("Current() returned an unexpected error: %v", err)
					return
				}
				_, err = sess.Grade(ctx, card.ID, 4, time.Now())
				if err != nil && !errors.Is(err, domain.ErrWrongCard) && !errors.Is(err, domain.ErrSessionComplete) {
					t.Errorf("Grade() returned an unexpected error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if !sess.Done() {
		t.Error("Expected session to be complete")
	}
	if sess.Reviewed() != len(cards) {
		t.Errorf("Expected reviewedCount %d, got %d", len(cards), sess.Reviewed())
	}
	if len(grader.calls) != len(cards) {
		t.Fatalf("Expected each card to reach the store exactly once, got %d calls", len(grader.calls))
	}
	for i, id := range grader.calls {
		if id != cards[i].ID {
			t.Errorf("call %d: expected %s, got %s", i, cards[i].ID, id)
		}
	}
}

func TestSessionStatusSnapshot(t *testing.T) {
	ctx := context.Background()
	sess := New(&fakeGrader{}, "alice", dueCards("c1", "c2"))

	status := sess.Status()
	if status.Current == nil || status.Current.ID != "c1" {
		t.Fatalf("Expected current card c1, got %+v", status.Current)
	}
	if status.Reviewed != 0 || status.Remaining != 2 || status.Done {
		t.Errorf("Unexpected initial status: %+v", status)
	}

	for _, id := range []string{"c1", "c2"} {
		if _, err := sess.Grade(ctx, id, 4, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	status = sess.Status()
	if status.Current != nil {
		t.Errorf("Expected no current card when complete, got %+v", status.Current)
	}
	if !status.Done || status.Reviewed != 2 || status.Remaining != 0 {
		t.Errorf("Unexpected final status: %+v", status)
	}
}

func TestEmptySessionIsImmediatelyComplete(t *testing.T) {
	sess := New(&fakeGrader{}, "alice", nil)
	if !sess.Done() {
		t.Error("Expected an empty session to be complete")
	}
	if sess.Reviewed() != 0 || sess.Remaining() != 0 {
		t.Errorf("Unexpected counts: reviewed %d, remaining %d", sess.Reviewed(), sess.Remaining())
	}
}
