package domain

import "errors"

// Sentinel errors for the studydeck core.
// Check with errors.Is: errors.Is(err, domain.ErrNotFound)
var (
	ErrNotFound        = errors.New("studydeck: not found")
	ErrEmptyTitle      = errors.New("studydeck: deck title is empty")
	ErrInvalidGrade    = errors.New("studydeck: grade out of range [0,5]")
	ErrWrongCard       = errors.New("studydeck: graded card is not the current card")
	ErrSessionComplete = errors.New("studydeck: study session is complete")
)
