// Package api exposes the session lifecycle over HTTP: create a session,
// look it up by its shareable code, drive its status, and read back the
// transcript and scripture history.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/versecast/versecast/internal/store"
)

// Handler serves the /v1/sessions routes.
type Handler struct {
	st store.Store
}

// New creates a session API handler backed by st.
func New(st store.Store) *Handler {
	return &Handler{st: st}
}

// Register adds the session routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.createSession)
	mux.HandleFunc("GET /v1/sessions/{code}", h.getSession)
	mux.HandleFunc("PATCH /v1/sessions/{code}", h.updateSession)
	mux.HandleFunc("POST /v1/sessions/{code}/end", h.endSession)
	mux.HandleFunc("GET /v1/sessions/{code}/transcripts", h.listTranscripts)
	mux.HandleFunc("GET /v1/sessions/{code}/scriptures", h.listScriptures)
}

// sessionBody is the JSON representation of a session.
type sessionBody struct {
	ID          string    `json:"id"`
	Code        string    `json:"sessionCode"`
	Status      string    `json:"status"`
	IsRecording bool      `json:"isRecording"`
	IsPaused    bool      `json:"isPaused"`
	IsReadonly  bool      `json:"isReadonly"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toBody(s store.Session) sessionBody {
	return sessionBody{
		ID:          s.ID,
		Code:        s.Code,
		Status:      string(s.Status),
		IsRecording: s.IsRecording,
		IsPaused:    s.IsPaused,
		IsReadonly:  s.Readonly(),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// updateBody is the PATCH request payload. Nil fields are left unchanged.
type updateBody struct {
	Status      *string `json:"status"`
	IsRecording *bool   `json:"isRecording"`
	IsPaused    *bool   `json:"isPaused"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.st.Create(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBody(sess))
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.st.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBody(sess))
}

func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request) {
	var body updateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	code := r.PathValue("code")
	sess, err := h.st.Get(r.Context(), code)
	if err != nil {
		h.storeError(w, err)
		return
	}

	if body.Status != nil {
		next := store.Status(*body.Status)
		if !next.IsValid() {
			httpError(w, http.StatusBadRequest, "unknown status "+*body.Status)
			return
		}
		sess.Status = next
	}
	if body.IsRecording != nil {
		sess.IsRecording = *body.IsRecording
	}
	if body.IsPaused != nil {
		sess.IsPaused = *body.IsPaused
	}

	if err := h.st.Update(r.Context(), sess); err != nil {
		h.storeError(w, err)
		return
	}

	sess, err = h.st.Get(r.Context(), code)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBody(sess))
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if err := h.st.End(r.Context(), code); err != nil {
		h.storeError(w, err)
		return
	}
	sess, err := h.st.Get(r.Context(), code)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBody(sess))
}

func (h *Handler) listTranscripts(w http.ResponseWriter, r *http.Request) {
	segs, err := h.st.Transcripts(r.Context(), r.PathValue("code"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	type segBody struct {
		ID         string    `json:"id"`
		Text       string    `json:"text"`
		Timestamp  time.Time `json:"timestamp"`
		Confidence float64   `json:"confidence,omitempty"`
	}
	out := make([]segBody, 0, len(segs))
	for _, s := range segs {
		out = append(out, segBody{ID: s.ID, Text: s.Text, Timestamp: s.Timestamp, Confidence: s.Confidence})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listScriptures(w http.ResponseWriter, r *http.Request) {
	refs, err := h.st.Scriptures(r.Context(), r.PathValue("code"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	type refBody struct {
		ID         string  `json:"id"`
		Book       string  `json:"book"`
		Chapter    int     `json:"chapter"`
		Verse      int     `json:"verse"`
		Version    string  `json:"version,omitempty"`
		Text       string  `json:"text,omitempty"`
		Confidence float64 `json:"confidence"`
	}
	out := make([]refBody, 0, len(refs))
	for _, ref := range refs {
		out = append(out, refBody{
			ID:         ref.ID,
			Book:       ref.Book,
			Chapter:    ref.Chapter,
			Verse:      ref.Verse,
			Version:    ref.Version,
			Text:       ref.Text,
			Confidence: ref.Confidence,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// storeError maps store sentinel errors onto HTTP statuses.
func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrSessionEnded):
		httpError(w, http.StatusConflict, "session has ended")
	case errors.Is(err, store.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "invalid status transition")
	default:
		slog.Error("session API store error", "err", err)
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}
