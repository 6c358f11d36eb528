package sm2

import (
	"fmt"
	"math"

	"github.com/studydeck/studydeck/internal/domain"
)

// SM-2 constants. A fresh card starts at InitialEase; the ease factor is
// never allowed below MinEase.
const (
	InitialEase = 2.5
	MinEase     = 1.3
)

// ReviewState is the scheduling triple for one card. It carries no
// timestamp; the caller derives the next review date from Interval.
type ReviewState struct {
	Interval    int     // calendar days until the next review
	Repetitions int     // consecutive successful reviews
	EaseFactor  float64 // >= MinEase
}

// NewState returns the state of a never-reviewed card: due immediately.
func NewState() ReviewState {
	return ReviewState{Interval: 0, Repetitions: 0, EaseFactor: InitialEase}
}

// NextState applies one review to prev and returns the new state.
//
// Grades outside [0,5] are rejected, not clamped. Grades below 3 reset
// repetitions to 0 and the interval to 1 day. Grades of 3 and above grow the
// interval: 1 day after the first success, 6 days after the second, then the
// previous interval times the previous ease factor, rounded half away from
// zero. The ease factor is updated on every review from the grade and the
// previous ease factor alone, and clamped to MinEase.
//
// NextState is pure: no clock, no randomness, identical inputs give
// identical outputs.
func NextState(grade domain.Grade, prev ReviewState) (ReviewState, error) {
	if grade < 0 || grade > 5 {
		return ReviewState{}, fmt.Errorf("%w: got %d", domain.ErrInvalidGrade, grade)
	}

	next := ReviewState{EaseFactor: nextEase(prev.EaseFactor, grade)}

	if grade < 3 {
		next.Repetitions = 0
		next.Interval = 1
		return next, nil
	}

	switch prev.Repetitions {
	case 0:
		next.Interval = 1
	case 1:
		next.Interval = 6
	default:
		next.Interval = int(math.Round(float64(prev.Interval) * prev.EaseFactor))
	}
	next.Repetitions = prev.Repetitions + 1
	return next, nil
}

// nextEase applies the SM-2 ease formula:
// EF' = EF + (0.1 - (5-q)*(0.08 + (5-q)*0.02)), floored at MinEase.
func nextEase(ease float64, grade domain.Grade) float64 {
	q := float64(grade)
	ease += 0.1 - (5-q)*(0.08+(5-q)*0.02)
	if ease < MinEase {
		ease = MinEase
	}
	return ease
}
