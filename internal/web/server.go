package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/studydeck/studydeck/internal/domain"
	"github.com/studydeck/studydeck/internal/session"
	"github.com/studydeck/studydeck/internal/storage"
	decksync "github.com/studydeck/studydeck/internal/sync"
)

// Server holds the dependencies for the HTTP API.
type Server struct {
	store    storage.Store
	router   *http.ServeMux
	owner    string // fallback owner when the request carries none
	reposDir string
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session.Session // active study session per owner
}

// NewServer creates and configures a new server.
func NewServer(store storage.Store, defaultOwner, reposDir string) *Server {
	s := &Server{
		store:    store,
		router:   http.NewServeMux(),
		owner:    defaultOwner,
		reposDir: reposDir,
		now:      time.Now,
		sessions: make(map[string]*session.Session),
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("POST /decks", s.handleCreateDeck)
	s.router.HandleFunc("GET /decks", s.handleListDecks)
	s.router.HandleFunc("GET /decks/{id}", s.handleGetDeck)
	s.router.HandleFunc("DELETE /decks/{id}", s.handleDeleteDeck)
	s.router.HandleFunc("POST /decks/{id}/cards", s.handleCreateCard)
	s.router.HandleFunc("GET /decks/{id}/cards", s.handleListCards)
	s.router.HandleFunc("DELETE /cards/{id}", s.handleDeleteCard)
	s.router.HandleFunc("POST /cards/{id}/review", s.handleReviewCard)
	s.router.HandleFunc("GET /due", s.handleGetDue)

	s.router.HandleFunc("POST /study/start", s.handleStudyStart)
	s.router.HandleFunc("GET /study/current", s.handleStudyCurrent)
	s.router.HandleFunc("POST /study/grade", s.handleStudyGrade)
	s.router.HandleFunc("POST /study/finish", s.handleStudyFinish)

	s.router.HandleFunc("POST /sources", s.handleAddSource)
	s.router.HandleFunc("GET /sources", s.handleListSources)
	s.router.HandleFunc("DELETE /sources/{id}", s.handleDeleteSource)
	s.router.HandleFunc("POST /sync", s.handleSync)
}

// ownerFor resolves the acting owner for a request. There is no auth layer;
// multi-user deployments put one in front and set X-Owner.
func (s *Server) ownerFor(r *http.Request) string {
	if owner := r.Header.Get("X-Owner"); owner != "" {
		return owner
	}
	return s.owner
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses. Storage
// failures are logged and surface as 500s.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyTitle), errors.Is(err, domain.ErrInvalidGrade):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrWrongCard), errors.Is(err, domain.ErrSessionComplete):
		status = http.StatusConflict
	default:
		slog.Error("request failed", "error", err)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type deckResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type cardResponse struct {
	ID             string    `json:"id"`
	DeckID         string    `json:"deck_id"`
	Front          string    `json:"front"`
	Back           string    `json:"back"`
	Interval       int       `json:"interval"`
	Repetitions    int       `json:"repetitions"`
	EaseFactor     float64   `json:"ease_factor"`
	NextReviewDate time.Time `json:"next_review_date"`
}

func toDeckResponse(d *domain.Deck) deckResponse {
	return deckResponse{ID: d.ID, Title: d.Title, Description: d.Description, CreatedAt: d.CreatedAt}
}

func toCardResponse(c *domain.Card) cardResponse {
	return cardResponse{
		ID:             c.ID,
		DeckID:         c.DeckID,
		Front:          c.Front,
		Back:           c.Back,
		Interval:       c.Interval,
		Repetitions:    c.Repetitions,
		EaseFactor:     c.EaseFactor,
		NextReviewDate: c.NextReviewDate,
	}
}

func toCardResponses(cards []*domain.Card) []cardResponse {
	out := make([]cardResponse, 0, len(cards))
	for _, c := range cards {
		out = append(out, toCardResponse(c))
	}
	return out
}

func (s *Server) handleCreateDeck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	deck, err := s.store.CreateDeck(r.Context(), s.ownerFor(r), req.Title, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeckResponse(deck))
}

func (s *Server) handleListDecks(w http.ResponseWriter, r *http.Request) {
	decks, err := s.store.ListDecks(r.Context(), s.ownerFor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]deckResponse, 0, len(decks))
	for _, d := range decks {
		out = append(out, toDeckResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDeck(w http.ResponseWriter, r *http.Request) {
	deck, err := s.store.GetDeck(r.Context(), s.ownerFor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeckResponse(deck))
}

func (s *Server) handleDeleteDeck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDeck(r.Context(), s.ownerFor(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Front string `json:"front"`
		Back  string `json:"back"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	card, err := s.store.CreateCard(r.Context(), s.ownerFor(r), r.PathValue("id"), req.Front, req.Back)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCardResponse(card))
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.store.ListCards(r.Context(), s.ownerFor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardResponses(cards))
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCard(r.Context(), s.ownerFor(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReviewCard grades a single card outside of a study session.
func (s *Server) handleReviewCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Grade domain.Grade `json:"grade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	card, err := s.store.ApplyGrade(r.Context(), s.ownerFor(r), r.PathValue("id"), req.Grade, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardResponse(card))
}

func (s *Server) handleGetDue(w http.ResponseWriter, r *http.Request) {
	asOf := s.now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "as_of must be RFC 3339", http.StatusBadRequest)
			return
		}
		asOf = parsed
	}

	cards, err := s.store.GetDueCards(r.Context(), s.ownerFor(r), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardResponses(cards))
}

type studyStatus struct {
	Current   *cardResponse `json:"current,omitempty"`
	Reviewed  int           `json:"reviewed"`
	Remaining int           `json:"remaining"`
	Done      bool          `json:"done"`
}

func (s *Server) statusFor(sess *session.Session) studyStatus {
	snap := sess.Status()
	status := studyStatus{
		Reviewed:  snap.Reviewed,
		Remaining: snap.Remaining,
		Done:      snap.Done,
	}
	if snap.Current != nil {
		resp := toCardResponse(snap.Current)
		status.Current = &resp
	}
	return status
}

// handleStudyStart begins a study session over the owner's currently due
// cards, replacing any abandoned session. Each graded card is committed
// before the session advances, so dropping a session loses nothing.
func (s *Server) handleStudyStart(w http.ResponseWriter, r *http.Request) {
	owner := s.ownerFor(r)
	cards, err := s.store.GetDueCards(r.Context(), owner, s.now())
	if err != nil {
		writeError(w, err)
		return
	}

	sess := session.New(s.store, owner, cards)
	s.mu.Lock()
	s.sessions[owner] = sess
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, s.statusFor(sess))
}

func (s *Server) sessionFor(owner string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[owner]
	return sess, ok
}

func (s *Server) handleStudyCurrent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(s.ownerFor(r))
	if !ok {
		http.Error(w, "no active study session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.statusFor(sess))
}

func (s *Server) handleStudyGrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CardID string       `json:"card_id"`
		Grade  domain.Grade `json:"grade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessionFor(s.ownerFor(r))
	if !ok {
		http.Error(w, "no active study session", http.StatusNotFound)
		return
	}

	if _, err := sess.Grade(r.Context(), req.CardID, req.Grade, s.now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusFor(sess))
}

// handleStudyFinish closes the owner's study session and reports the final
// tally. Every graded card is already committed, so finishing early (or
// abandoning and finishing later) loses nothing.
func (s *Server) handleStudyFinish(w http.ResponseWriter, r *http.Request) {
	owner := s.ownerFor(r)
	s.mu.Lock()
	sess, ok := s.sessions[owner]
	if ok {
		delete(s.sessions, owner)
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "no active study session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.statusFor(sess))
}

type sourceResponse struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Type        string     `json:"type"`
	DeckID      string     `json:"deck_id,omitempty"`
	LastScanned *time.Time `json:"last_scanned,omitempty"`
}

func toSourceResponse(src *storage.Source) sourceResponse {
	resp := sourceResponse{ID: src.ID, Path: src.Path, Type: src.Type, DeckID: src.DeckID}
	if !src.LastScanned.IsZero() {
		scanned := src.LastScanned
		resp.LastScanned = &scanned
	}
	return resp
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "path cannot be empty", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = decksync.GuessSourceType(req.Path)
	}
	if req.Type != "local" && req.Type != "git" {
		http.Error(w, "type must be local or git", http.StatusBadRequest)
		return
	}

	src, err := s.store.AddSource(r.Context(), s.ownerFor(r), req.Path, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSourceResponse(src))
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context(), s.ownerFor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, toSourceResponse(src))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSource(r.Context(), s.ownerFor(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync runs a full source sync in the foreground so the caller sees
// the imported decks as soon as the request returns.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	owner := s.ownerFor(r)
	if err := decksync.RunSync(r.Context(), s.store, owner, s.reposDir); err != nil {
		writeError(w, err)
		return
	}

	sources, err := s.store.ListSources(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, toSourceResponse(src))
	}
	writeJSON(w, http.StatusOK, out)
}
