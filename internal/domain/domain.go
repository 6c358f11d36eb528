package domain

import "time"

// Deck is a named collection of cards owned by one user.
type Deck struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	CreatedAt   time.Time
}

// Card is a single front/back flashcard together with its review schedule.
// Interval is in calendar days; a never-reviewed card has Interval 0 and is
// due immediately. Repetitions counts consecutive successful reviews since
// the last failure. EaseFactor never drops below 1.3.
type Card struct {
	ID             string
	DeckID         string
	Front          string
	Back           string
	Fingerprint    string
	Interval       int
	Repetitions    int
	EaseFactor     float64
	NextReviewDate time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Grade is the reviewer's self-assessed recall quality for one review,
// 0 (total blackout) to 5 (perfect recall).
type Grade int

// Grades bound to the review keyboard shortcuts. The scheduler itself
// accepts the full 0-5 range; these are the values the UI sends.
const (
	GradeAgain Grade = 1
	GradeHard  Grade = 3
	GradeGood  Grade = 4
	GradeEasy  Grade = 5
)
