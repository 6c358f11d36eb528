package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/studydeck/studydeck/internal/storage"
)

func writeDeckFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileLocalSource(t *testing.T) {
	ctx := context.Background()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "sync_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	deckDir := t.TempDir()
	writeDeckFile(t, deckDir, "go.md", "Q: What does gofmt do?\nA: Formats Go source code.\n\nQ: What is a slice?\nA: A view into an underlying array.\n")

	source, err := store.AddSource(ctx, "alice", deckDir, "local")
	if err != nil {
		t.Fatal(err)
	}

	if err := RunSync(ctx, store, "alice", t.TempDir()); err != nil {
		t.Fatalf("RunSync() returned an unexpected error: %v", err)
	}

	decks, err := store.ListDecks(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(decks) != 1 {
		t.Fatalf("Expected the sync to create one deck, got %d", len(decks))
	}
	cards, err := store.ListCards(ctx, "alice", decks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 2 {
		t.Fatalf("Expected 2 imported cards, got %d", len(cards))
	}

	sources, err := store.ListSources(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sources[0].DeckID != decks[0].ID {
		t.Errorf("Expected source %s to be linked to deck %s", source.ID, decks[0].ID)
	}
	if sources[0].LastScanned.IsZero() {
		t.Error("Expected last_scanned to be set after sync")
	}

	t.Run("second sync is idempotent", func(t *testing.T) {
		if err := RunSync(ctx, store, "alice", t.TempDir()); err != nil {
			t.Fatal(err)
		}
		cards, err := store.ListCards(ctx, "alice", decks[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(cards) != 2 {
			t.Errorf("Expected 2 cards after resync, got %d", len(cards))
		}
	})

	t.Run("removed entries are deleted, kept entries survive", func(t *testing.T) {
		writeDeckFile(t, deckDir, "go.md", "Q: What is a slice?\nA: A view into an underlying array.\n")
		if err := RunSync(ctx, store, "alice", t.TempDir()); err != nil {
			t.Fatal(err)
		}
		cards, err := store.ListCards(ctx, "alice", decks[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(cards) != 1 {
			t.Fatalf("Expected 1 card after the removal, got %d", len(cards))
		}
		if cards[0].Front != "What is a slice?" {
			t.Errorf("Wrong card survived: %q", cards[0].Front)
		}
	})
}
