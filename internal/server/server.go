// Package server exposes the rendering tools over HTTP with JSON request and
// response bodies.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/umlforge/umlforge/internal/apperrors"
	"github.com/umlforge/umlforge/internal/cache"
	"github.com/umlforge/umlforge/internal/config"
	"github.com/umlforge/umlforge/internal/encoder"
	"github.com/umlforge/umlforge/internal/renderer"
	"github.com/umlforge/umlforge/internal/validator"
)

// maxRequestBody bounds JSON request bodies. Diagram size itself is enforced
// by the validator; this only guards the transport layer.
const maxRequestBody = 1 << 20

// Server handles the tool endpoints.
type Server struct {
	cfg      *config.Config
	renderer *renderer.Renderer
	store    *cache.Store // nil when caching is disabled
	log      zerolog.Logger

	engineVersion string
}

// SetEngineVersion records the engine version reported at startup so the
// health endpoint can expose it.
func (s *Server) SetEngineVersion(version string) {
	s.engineVersion = version
}

// New creates a Server. store may be nil when caching is disabled.
func New(cfg *config.Config, r *renderer.Renderer, store *cache.Store, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		renderer: r,
		store:    store,
		log:      log,
	}
}

// Handler returns the HTTP routing for all tool endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tools/render", s.handleRender)
	mux.HandleFunc("POST /tools/render-file", s.handleRenderFile)
	mux.HandleFunc("POST /tools/validate", s.handleValidate)
	mux.HandleFunc("POST /tools/encode", s.handleEncode)
	mux.HandleFunc("POST /tools/decode", s.handleDecode)
	mux.HandleFunc("GET /tools/stats", s.handleStats)
	mux.HandleFunc("DELETE /tools/cache", s.handleCacheClear)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type renderRequest struct {
	Diagram  string `json:"diagram"`
	Format   string `json:"format"`
	Filename string `json:"filename,omitempty"`
}

type renderResponse struct {
	Success      bool   `json:"success"`
	Format       string `json:"format"`
	Encoding     string `json:"encoding,omitempty"`
	Payload      string `json:"payload,omitempty"`
	Path         string `json:"path,omitempty"`
	Size         int    `json:"size"`
	RenderTimeMS int64  `json:"render_time_ms"`
	CacheHit     bool   `json:"cache_hit"`
	PreviewToken string `json:"preview_token,omitempty"`
	PreviewURL   string `json:"preview_url,omitempty"`
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRenderRequest(w, r)
	if !ok {
		return
	}

	result, err := s.renderer.Render(r.Context(), req.Diagram, req.Format)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := renderResponse{
		Success:      true,
		Format:       result.Format,
		Encoding:     "base64",
		Payload:      base64.StdEncoding.EncodeToString(result.Data),
		Size:         len(result.Data),
		RenderTimeMS: result.Duration.Milliseconds(),
		CacheHit:     result.CacheHit,
	}
	if token, err := encoder.Encode(req.Diagram); err == nil {
		resp.PreviewToken = token
		resp.PreviewURL = encoder.PreviewURL(s.cfg.PlantUML.PreviewURL, result.Format, token)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRenderFile(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRenderRequest(w, r)
	if !ok {
		return
	}
	if req.Filename == "" {
		s.writeError(w, apperrors.NewValidationError("filename", "must not be empty"))
		return
	}

	result, err := s.renderer.Render(r.Context(), req.Diagram, req.Format)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Strip any path components so output stays inside the output directory.
	name := filepath.Base(req.Filename)
	if filepath.Ext(name) == "" {
		name += "." + result.Format
	}
	path := filepath.Join(s.cfg.OutputDir, name)
	if err := os.WriteFile(path, result.Data, 0o644); err != nil {
		s.writeError(w, fmt.Errorf("writing output file: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, renderResponse{
		Success:      true,
		Format:       result.Format,
		Path:         path,
		Size:         len(result.Data),
		RenderTimeMS: result.Duration.Milliseconds(),
		CacheHit:     result.CacheHit,
	})
}

type validateResponse struct {
	Valid     bool                `json:"valid"`
	ErrorType string              `json:"error_type,omitempty"`
	Message   string              `json:"message,omitempty"`
	Metadata  *validator.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Format == "" {
		req.Format = "png"
	}

	if err := validator.Validate(req.Diagram, req.Format, s.cfg); err != nil {
		var vErr *apperrors.ValidationError
		if errors.As(err, &vErr) {
			s.writeJSON(w, http.StatusOK, validateResponse{
				Valid:     false,
				ErrorType: "validation",
				Message:   vErr.Error(),
			})
			return
		}
		s.writeError(w, err)
		return
	}

	meta := validator.Describe(req.Diagram)
	s.writeJSON(w, http.StatusOK, validateResponse{Valid: true, Metadata: &meta})
}

type encodeRequest struct {
	Diagram string `json:"diagram"`
	Format  string `json:"format,omitempty"`
	Hex     bool   `json:"hex,omitempty"`
}

type encodeResponse struct {
	Success    bool   `json:"success"`
	Token      string `json:"token"`
	PreviewURL string `json:"preview_url,omitempty"`
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req encodeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Diagram == "" {
		s.writeError(w, apperrors.NewValidationError("diagram", "must not be empty"))
		return
	}

	var (
		token string
		err   error
	)
	if req.Hex {
		token = encoder.EncodeHex(req.Diagram)
	} else {
		token, err = encoder.Encode(req.Diagram)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	resp := encodeResponse{Success: true, Token: token}
	if req.Format != "" {
		resp.PreviewURL = encoder.PreviewURL(s.cfg.PlantUML.PreviewURL, req.Format, token)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type decodeRequest struct {
	Token string `json:"token"`
}

type decodeResponse struct {
	Success bool   `json:"success"`
	Diagram string `json:"diagram"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		s.writeError(w, apperrors.NewValidationError("token", "must not be empty"))
		return
	}

	var (
		diagram string
		err     error
	)
	if encoder.IsHexToken(req.Token) {
		diagram, err = encoder.DecodeHex(req.Token)
	} else {
		diagram, err = encoder.Decode(req.Token)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decodeResponse{Success: true, Diagram: diagram})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.renderer.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": 0})
		return
	}
	cleared := s.store.Len()
	s.store.Clear()
	s.log.Info().Int("cleared", cleared).Msg("Render cache cleared")
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": cleared})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.engineVersion != "" {
		resp["engine_version"] = s.engineVersion
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// decodeRenderRequest parses and validates the body shared by the render
// endpoints.
func (s *Server) decodeRenderRequest(w http.ResponseWriter, r *http.Request) (renderRequest, bool) {
	var req renderRequest
	if !s.decodeJSON(w, r, &req) {
		return req, false
	}
	if req.Format == "" {
		req.Format = "png"
	}
	if err := validator.Validate(req.Diagram, req.Format, s.cfg); err != nil {
		s.writeError(w, err)
		return req, false
	}
	return req, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, apperrors.NewValidationError("body", fmt.Sprintf("invalid JSON request: %v", err)))
		return false
	}
	return true
}

type errorResponse struct {
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)

	if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity || status == http.StatusGatewayTimeout {
		sentry.CaptureException(err)
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	} else {
		s.log.Debug().Err(err).Str("kind", kind).Msg("Request rejected")
	}

	s.writeJSON(w, status, errorResponse{
		Success:   false,
		ErrorType: kind,
		Message:   err.Error(),
	})
}

// classify maps an error to its HTTP status and wire-level kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, &apperrors.ValidationError{}):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, &apperrors.DecodeError{}):
		return http.StatusBadRequest, "decode"
	case errors.Is(err, &apperrors.RenderEngineError{}):
		return http.StatusUnprocessableEntity, "engine"
	case errors.Is(err, &apperrors.ConcurrencyLimitError{}):
		return http.StatusTooManyRequests, "concurrency_limit"
	case errors.Is(err, &apperrors.RenderTimeoutError{}):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}
