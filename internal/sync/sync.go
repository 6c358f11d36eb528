package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/studydeck/studydeck/internal/cardid"
	"github.com/studydeck/studydeck/internal/deckfile"
	"github.com/studydeck/studydeck/internal/domain"
	"github.com/studydeck/studydeck/internal/gitsource"
	"github.com/studydeck/studydeck/internal/storage"
)

// RunSync iterates over the owner's registered sources and reconciles each
// one into its deck. Git sources are mirrored under reposDir first.
func RunSync(ctx context.Context, store storage.Store, ownerID, reposDir string) error {
	slog.Info("starting sync for all sources", "owner", ownerID)
	sources, err := store.ListSources(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("failed to get sources: %w", err)
	}

	if len(sources) == 0 {
		slog.Info("no sources configured; add one with --add-source <path/or/url.git>")
		return nil
	}

	if err := os.MkdirAll(reposDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create repos directory: %w", err)
	}

	for _, source := range sources {
		slog.Info("syncing source", "id", source.ID, "type", source.Type, "path", source.Path)

		dir := source.Path
		if source.Type == "git" {
			localRepoPath, err := gitURLToLocalPath(reposDir, source.Path)
			if err != nil {
				slog.Error("cannot determine local path for git repo", "url", source.Path, "error", err)
				continue
			}
			if err := gitsource.Mirror(source.Path, localRepoPath); err != nil {
				slog.Error("error mirroring git repo", "url", source.Path, "error", err)
				continue
			}
			dir = localRepoPath
		}

		if err := reconcile(ctx, store, source, dir); err != nil {
			slog.Error("error reconciling source", "id", source.ID, "error", err)
		}
	}
	slog.Info("sync complete")
	return nil
}

// reconcile makes the source's deck match the deck files on disk: entries
// with an unseen fingerprint are inserted as fresh cards, stored cards whose
// fingerprint no longer appears in any file are deleted. Cards that survive
// keep their review state untouched.
func reconcile(ctx context.Context, store storage.Store, source *storage.Source, dir string) error {
	deck, err := ensureDeck(ctx, store, source)
	if err != nil {
		return err
	}

	var entries []deckfile.Entry
	var parseErrors []error

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			fileEntries, parseErr := deckfile.ParseFile(path)
			if parseErr != nil {
				parseErrors = append(parseErrors, fmt.Errorf("parsing %s: %w", path, parseErr))
			}
			entries = append(entries, fileEntries...)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("failed to walk %s: %w", dir, walkErr)
	}

	existing, err := store.ListCards(ctx, source.OwnerID, deck.ID)
	if err != nil {
		return fmt.Errorf("failed to list cards for deck %s: %w", deck.ID, err)
	}

	found := make(map[string]bool, len(entries))
	var inserted int
	for _, entry := range entries {
		fp := cardid.Fingerprint(entry.Front, entry.Back)
		if found[fp] {
			continue // duplicate entry within the source
		}
		found[fp] = true

		_, err := store.FindCardByFingerprint(ctx, source.OwnerID, deck.ID, fp)
		if err == nil {
			continue // already imported, review state stays untouched
		}
		if !errors.Is(err, domain.ErrNotFound) {
			parseErrors = append(parseErrors, fmt.Errorf("lookup for %s: %w", fp, err))
			continue
		}

		slog.Info("new card found, inserting", "fingerprint", fp)
		if _, err := store.CreateCard(ctx, source.OwnerID, deck.ID, entry.Front, entry.Back); err != nil {
			parseErrors = append(parseErrors, fmt.Errorf("insert for %s: %w", fp, err))
			continue
		}
		inserted++
	}

	var orphaned int
	for _, card := range existing {
		if found[card.Fingerprint] {
			continue
		}
		slog.Info("orphaned card, deleting", "fingerprint", card.Fingerprint)
		if err := store.DeleteCard(ctx, source.OwnerID, card.ID); err != nil {
			slog.Warn("failed to delete orphaned card", "card", card.ID, "error", err)
			continue
		}
		orphaned++
	}

	if err := store.TouchSource(ctx, source.ID, time.Now()); err != nil {
		slog.Warn("failed to update last scanned for source", "source", source.ID, "error", err)
	}

	slog.Info("reconciliation complete",
		"path", source.Path,
		"parsed_entries", len(entries),
		"inserted", inserted,
		"orphaned_deleted", orphaned,
		"errors", len(parseErrors),
	)
	return nil
}

// ensureDeck returns the deck this source feeds, creating and linking it on
// the first sync. The deck title defaults to the last path element.
func ensureDeck(ctx context.Context, store storage.Store, source *storage.Source) (*domain.Deck, error) {
	if source.DeckID != "" {
		deck, err := store.GetDeck(ctx, source.OwnerID, source.DeckID)
		if err == nil {
			return deck, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		// The deck was deleted out from under the source; recreate it.
	}

	title := strings.TrimSuffix(filepath.Base(source.Path), ".git")
	if strings.TrimSpace(title) == "" {
		title = "Imported deck"
	}
	deck, err := store.CreateDeck(ctx, source.OwnerID, title, "Imported from "+source.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create deck for source %s: %w", source.ID, err)
	}
	if err := store.SetSourceDeck(ctx, source.ID, deck.ID); err != nil {
		return nil, err
	}
	source.DeckID = deck.ID
	return deck, nil
}

// GuessSourceType classifies a source path as git or local from its shape.
func GuessSourceType(path string) string {
	if strings.HasSuffix(path, ".git") || strings.HasPrefix(path, "git@") ||
		strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return "git"
	}
	return "local"
}

// gitURLToLocalPath maps a git URL to a stable checkout directory under
// baseDir. Handles https URLs and scp-style git@host:path addresses.
func gitURLToLocalPath(baseDir, repoURL string) (string, error) {
	parsedURL, err := url.Parse(repoURL)
	if err != nil || (parsedURL.Scheme != "https" && parsedURL.Scheme != "http") {
		if strings.Contains(repoURL, "@") {
			parts := strings.Split(repoURL, ":")
			if len(parts) == 2 {
				hostAndUser := strings.Split(parts[0], "@")
				if len(hostAndUser) == 2 {
					host := hostAndUser[1]
					repoPath := strings.TrimSuffix(parts[1], ".git")
					return filepath.Join(baseDir, host, repoPath), nil
				}
			}
		}
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	sanitizedPath := strings.TrimSuffix(parsedURL.Path, ".git")
	return filepath.Join(baseDir, parsedURL.Host, sanitizedPath), nil
}
