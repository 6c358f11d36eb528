package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/studydeck/studydeck/internal/storage"
)

// An hour in the future so cards created during a test are already due.
var testClock = time.Now().UTC().Add(time.Hour).Truncate(time.Second)

func newTestServer(t *testing.T) (*Server, *storage.SQLite) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "web_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(store, "alice", t.TempDir())
	srv.now = func() time.Time { return testClock }
	return srv, store
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: failed to decode response: %v", method, path, err)
		}
	}
	return rec
}

func TestDeckEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("empty title is rejected", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/decks", map[string]string{"title": "  "}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	var deck deckResponse
	rec := doJSON(t, srv, http.MethodPost, "/decks", map[string]string{"title": "Go basics"}, &deck)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}
	if deck.Title != "Go basics" || deck.ID == "" {
		t.Errorf("Unexpected deck response: %+v", deck)
	}

	t.Run("unknown deck is 404", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/decks/nope", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})

	t.Run("delete cascades", func(t *testing.T) {
		var card cardResponse
		doJSON(t, srv, http.MethodPost, "/decks/"+deck.ID+"/cards", map[string]string{"front": "f", "back": "b"}, &card)

		rec := doJSON(t, srv, http.MethodDelete, "/decks/"+deck.ID, nil, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("Expected 204, got %d", rec.Code)
		}

		var due []cardResponse
		doJSON(t, srv, http.MethodGet, "/due", nil, &due)
		if len(due) != 0 {
			t.Errorf("Expected no due cards after deck delete, got %d", len(due))
		}
	})
}

func TestReviewEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var deck deckResponse
	doJSON(t, srv, http.MethodPost, "/decks", map[string]string{"title": "Go basics"}, &deck)
	var card cardResponse
	doJSON(t, srv, http.MethodPost, "/decks/"+deck.ID+"/cards", map[string]string{"front": "f", "back": "b"}, &card)

	var updated cardResponse
	rec := doJSON(t, srv, http.MethodPost, "/cards/"+card.ID+"/review", map[string]int{"grade": 5}, &updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if updated.Interval != 1 || updated.Repetitions != 1 {
		t.Errorf("Expected interval 1 and repetitions 1, got %+v", updated)
	}
	if math.Abs(updated.EaseFactor-2.6) > 1e-9 {
		t.Errorf("Expected ease 2.6, got %v", updated.EaseFactor)
	}
	if want := testClock.AddDate(0, 0, 1); !updated.NextReviewDate.Equal(want) {
		t.Errorf("Expected next review %v, got %v", want, updated.NextReviewDate)
	}

	t.Run("out of range grade is 400", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/cards/"+card.ID+"/review", map[string]int{"grade": 9}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}

func TestStudyFlow(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	deck, err := store.CreateDeck(ctx, "alice", "Go basics", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.CreateCard(ctx, "alice", deck.ID, fmt.Sprintf("front %d", i), "back"); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("grading before start is 404", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/study/grade", map[string]any{"card_id": "x", "grade": 4}, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})

	var status studyStatus
	rec := doJSON(t, srv, http.MethodPost, "/study/start", nil, &status)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}
	if status.Remaining != 3 || status.Current == nil {
		t.Fatalf("Unexpected start status: %+v", status)
	}

	t.Run("grading the wrong card is 409", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/study/grade", map[string]any{"card_id": "not-current", "grade": 4}, nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("Expected 409, got %d", rec.Code)
		}
	})

	for i := 0; i < 3; i++ {
		doJSON(t, srv, http.MethodGet, "/study/current", nil, &status)
		if status.Current == nil {
			t.Fatalf("review %d: expected a current card", i+1)
		}
		rec := doJSON(t, srv, http.MethodPost, "/study/grade", map[string]any{"card_id": status.Current.ID, "grade": 4}, &status)
		if rec.Code != http.StatusOK {
			t.Fatalf("review %d: expected 200, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}

	if !status.Done || status.Reviewed != 3 {
		t.Errorf("Expected a complete session with 3 reviews, got %+v", status)
	}

	t.Run("grading after complete is 409", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/study/grade", map[string]any{"card_id": "anything", "grade": 4}, nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("Expected 409, got %d", rec.Code)
		}
	})

	t.Run("finish closes the session", func(t *testing.T) {
		var final studyStatus
		rec := doJSON(t, srv, http.MethodPost, "/study/finish", nil, &final)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		if !final.Done || final.Reviewed != 3 {
			t.Errorf("Unexpected final status: %+v", final)
		}

		rec = doJSON(t, srv, http.MethodGet, "/study/current", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 after finish, got %d", rec.Code)
		}
		rec = doJSON(t, srv, http.MethodPost, "/study/finish", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for a second finish, got %d", rec.Code)
		}
	})
}

func TestConcurrentStudyGrades(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	deck, err := store.CreateDeck(ctx, "alice", "Go basics", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := store.CreateCard(ctx, "alice", deck.ID, fmt.Sprintf("front %d", i), "back"); err != nil {
			t.Fatal(err)
		}
	}

	var status studyStatus
	if rec := doJSON(t, srv, http.MethodPost, "/study/start", nil, &status); rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}

	// Two clients race through the same session; losers see 409 and retry.
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				req := httptest.NewRequest(http.MethodGet, "/study/current", nil)
				rec := httptest.NewRecorder()
				srv.ServeHTTP(rec, req)

				var cur studyStatus
				if err := json.NewDecoder(rec.Body).Decode(&cur); err != nil {
					t.Errorf("failed to decode status: %v", err)
					return
				}
				if cur.Done {
					return
				}

				var buf bytes.Buffer
				json.NewEncoder(&buf).Encode(map[string]any{"card_id": cur.Current.ID, "grade": 4})
				req = httptest.NewRequest(http.MethodPost, "/study/grade", &buf)
				rec = httptest.NewRecorder()
				srv.ServeHTTP(rec, req)
				if rec.Code != http.StatusOK && rec.Code != http.StatusConflict {
					t.Errorf("Expected 200 or 409, got %d: %s", rec.Code, rec.Body.String())
					return
				}
			}
		}()
	}
	wg.Wait()

	doJSON(t, srv, http.MethodGet, "/study/current", nil, &status)
	if !status.Done || status.Reviewed != 4 {
		t.Errorf("Expected a complete session with 4 reviews, got %+v", status)
	}
}

func TestOwnerIsolation(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	deck, err := store.CreateDeck(ctx, "bob", "Bob's deck", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateCard(ctx, "bob", deck.ID, "f", "b"); err != nil {
		t.Fatal(err)
	}

	// Requests without X-Owner act as the default owner "alice".
	var due []cardResponse
	doJSON(t, srv, http.MethodGet, "/due", nil, &due)
	if len(due) != 0 {
		t.Errorf("Expected alice to see no due cards, got %d", len(due))
	}

	req := httptest.NewRequest(http.MethodGet, "/due", nil)
	req.Header.Set("X-Owner", "bob")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if err := json.NewDecoder(rec.Body).Decode(&due); err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("Expected bob to see his due card, got %d", len(due))
	}
}

func TestSourceEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("empty path is rejected", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/sources", map[string]string{"path": ""}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	var src sourceResponse
	rec := doJSON(t, srv, http.MethodPost, "/sources", map[string]string{"path": "https://example.com/decks.git"}, &src)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}
	if src.Type != "git" {
		t.Errorf("Expected the git type to be inferred, got %q", src.Type)
	}

	var sources []sourceResponse
	doJSON(t, srv, http.MethodGet, "/sources", nil, &sources)
	if len(sources) != 1 {
		t.Fatalf("Expected 1 source, got %d", len(sources))
	}

	rec = doJSON(t, srv, http.MethodDelete, "/sources/"+src.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
}
