package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"pastebin-lite/internal/paste"
)

// Request bodies may carry this much JSON framing on top of the content limit.
const envelopeBytes = 4096

type createRequest struct {
	Content    json.RawMessage `json:"content"`
	TTLSeconds json.RawMessage `json:"ttl_seconds"`
	MaxViews   json.RawMessage `json:"max_views"`
}

type createResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type viewResponse struct {
	Content        string  `json:"content"`
	RemainingViews *int    `json:"remaining_views"`
	ExpiresAt      *string `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.maxBytes)+envelopeBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Content exceeds %d byte limit", s.maxBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	in, err := decodeCreate(body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	p, err := s.pastes.Create(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: p.ID, URL: s.pasteURL(r, p.ID)})
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	v, err := s.pastes.FetchAndConsume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := viewResponse{Content: v.Content, RemainingViews: v.RemainingViews}
	if v.ExpiresAt != nil {
		formatted := v.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &formatted
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePlain serves the raw content and counts as a view like the JSON read.
func (s *Server) handlePlain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	v, err := s.pastes.FetchAndConsume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = io.WriteString(w, v.Content)
}

// handleQR renders the paste link as a PNG. It never reads the paste, so
// it cannot consume a view or reveal whether the id exists.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(s.pasteURL(r, chi.URLParam(r, "id")), qrcode.Medium, 256)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.ErrorContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{OK: true})
}

// decodeCreate turns a request body into a CreateInput. Field type errors
// come back as *paste.ValidationError; range checks are left to the service.
func decodeCreate(body []byte) (paste.CreateInput, error) {
	var req createRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return paste.CreateInput{}, errInvalidJSON
	}
	if dec.More() {
		return paste.CreateInput{}, errInvalidJSON
	}

	var in paste.CreateInput
	if isAbsent(req.Content) || json.Unmarshal(req.Content, &in.Content) != nil {
		return paste.CreateInput{}, &paste.ValidationError{
			Field:   "content",
			Message: "Content is required and must be a non-empty string",
		}
	}

	var err error
	if in.TTLSeconds, err = optionalInt(req.TTLSeconds, "ttl_seconds"); err != nil {
		return paste.CreateInput{}, err
	}
	if in.MaxViews, err = optionalInt(req.MaxViews, "max_views"); err != nil {
		return paste.CreateInput{}, err
	}
	return in, nil
}

var errInvalidJSON = &paste.ValidationError{Field: "body", Message: "Invalid JSON body"}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// optionalInt accepts a JSON integer or null. Integer-valued numbers written
// with a fraction or exponent (10.0, 1e1) count as integers. Strings,
// fractions and out-of-range numbers are rejected with the field's
// validation message.
func optionalInt(raw json.RawMessage, field string) (*int, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	invalid := &paste.ValidationError{
		Field:   field,
		Message: field + " must be an integer >= 1 if provided",
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, invalid
	}
	num, ok := v.(json.Number)
	if !ok {
		return nil, invalid
	}
	n, ok := integral(num)
	if !ok || n > math.MaxInt || n < math.MinInt {
		return nil, invalid
	}
	out := int(n)
	return &out, nil
}

func integral(num json.Number) (int64, bool) {
	if n, err := num.Int64(); err == nil {
		return n, true
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *paste.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Message)
	case errors.Is(err, paste.ErrNotFound):
		writeError(w, http.StatusNotFound, "Paste not found")
	default:
		s.serverError(w, r, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "internal error", "error", err, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
