package deckfile

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// Entry is one front/back pair extracted from a deck file, before it
// becomes a stored card.
type Entry struct {
	Front string
	Back  string
}

const (
	frontPrefix = "Q:"
	backPrefix  = "A:"
)

type state int

const (
	seeking state = iota
	readingFront
	readingBack
)

// ParseFile reads a deck file from the given path and extracts all entries.
func ParseFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads markdown-style deck content and extracts all entries. A "Q:"
// line starts the front of a card, an "A:" line its back; both may continue
// over following lines. "---" or a new "Q:" ends the current card. Entries
// without a front are dropped.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	var entries []Entry
	var current Entry
	var block []string
	currentState := seeking

	flushBlock := func() {
		if len(block) == 0 {
			return
		}
		content := strings.Join(block, "\n")
		switch currentState {
		case readingFront:
			current.Front = content
		case readingBack:
			current.Back = content
		}
		block = nil
	}

	finishEntry := func() {
		flushBlock()
		if current.Front != "" {
			entries = append(entries, current)
		}
		current = Entry{}
		currentState = seeking
	}

	for scanner.Scan() {
		line := scanner.Text()

		isFront := strings.HasPrefix(line, frontPrefix)
		isBack := strings.HasPrefix(line, backPrefix)

		switch {
		case line == "---":
			finishEntry()
		case isFront:
			if currentState != seeking { // a new front always starts a new card
				finishEntry()
			}
			currentState = readingFront
			block = append(block, trimOneSpace(line, frontPrefix))
		case isBack:
			flushBlock()
			currentState = readingBack
			block = append(block, trimOneSpace(line, backPrefix))
		case currentState != seeking:
			block = append(block, line)
		}
	}

	finishEntry() // finish the very last entry in the file

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// trimOneSpace strips the prefix and at most one following space, so
// "Q: text" and "Q:text" both yield "text" without eating indentation.
func trimOneSpace(line, prefix string) string {
	content := line[len(prefix):]
	if strings.HasPrefix(content, " ") {
		content = content[1:]
	}
	return content
}
