package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"studyloop/api/internal/export"
	"studyloop/api/internal/genai"
	"studyloop/api/internal/search"
	"studyloop/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	exporter   *export.Service
	corsOrigin string
}

func NewHTTPServer(service *Service, exporter *export.Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, exporter: exporter, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// The upstream gateway authenticates requests and forwards the user id.
	requester := strings.TrimSpace(r.Header.Get("X-User-ID"))

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[1] == "materials" && len(parts) == 5 && parts[3] == "artifacts":
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleGetOrGenerate(w, r, requester, parts[2], parts[4])

	case parts[1] == "materials" && len(parts) == 6 && parts[3] == "artifacts" && parts[5] == "versions":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleListVersions(w, r, requester, parts[2], parts[4])

	case parts[1] == "materials" && len(parts) == 6 && parts[3] == "artifacts" && parts[5] == "export":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleExport(w, r, requester, parts[2], parts[4])

	case parts[1] == "materials" && len(parts) == 4 && parts[3] == "versions":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleListVersions(w, r, requester, parts[2], "")

	case parts[1] == "materials" && len(parts) == 4 && parts[3] == "jobs":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleEnqueueJob(w, r, requester, parts[2])

	case parts[1] == "versions" && len(parts) == 4 && parts[3] == "embedding":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleGetEmbedding(w, r, requester, parts[2])

	case parts[1] == "versions" && len(parts) == 3:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleGetVersion(w, r, requester, parts[2])

	case parts[1] == "jobs" && len(parts) == 3:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleJobStatus(w, r, requester, parts[2])

	case parts[1] == "artifacts" && len(parts) == 3 && parts[2] == "search":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleSearch(w, r, requester)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type generateInput struct {
	Language     string `json:"language"`
	MinWords     int    `json:"minWords"`
	MaxWords     int    `json:"maxWords"`
	NumQuestions int    `json:"numQuestions"`
	NumCards     int    `json:"numCards"`
}

func (in generateInput) options() genai.Options {
	return genai.Options{
		Language:     in.Language,
		MinWords:     in.MinWords,
		MaxWords:     in.MaxWords,
		NumQuestions: in.NumQuestions,
		NumCards:     in.NumCards,
	}
}

func (s *HTTPServer) handleGetOrGenerate(w http.ResponseWriter, r *http.Request, requester, materialID, artifactType string) {
	var input generateInput
	if r.Method == http.MethodPost {
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
	}

	version, err := s.service.GetOrGenerate(r.Context(), materialID, genai.ArtifactType(artifactType), requester, input.options())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionPayload(version))
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, requester, materialID, artifactType string) {
	versions, err := s.service.ListVersions(r.Context(), materialID, artifactType, requester)
	if err != nil {
		s.respondError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		payload = append(payload, versionPayload(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": payload})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, requester, materialID, artifactType string) {
	version, err := s.service.GetOrGenerate(r.Context(), materialID, genai.ArtifactType(artifactType), requester, genai.Options{})
	if err != nil {
		s.respondError(w, err)
		return
	}

	var content genai.Content
	if err := json.Unmarshal(version.Content, &content); err != nil {
		content = genai.Content{Type: genai.ArtifactType(version.Type)}
	}

	result := s.exporter.Render(content, fmt.Sprintf("%s %s", strings.ToUpper(artifactType[:1])+artifactType[1:], materialID))
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, requester, versionID string) {
	version, err := s.service.GetVersion(r.Context(), versionID, requester)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionPayload(version))
}

func (s *HTTPServer) handleGetEmbedding(w http.ResponseWriter, r *http.Request, requester, versionID string) {
	embedding, err := s.service.EmbeddingByVersion(r.Context(), versionID, requester)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         embedding.ID,
		"versionId":  embedding.VersionID,
		"vector":     embedding.Vector,
		"dimensions": embedding.Dimensions,
		"modelName":  embedding.ModelName,
		"createdAt":  embedding.CreatedAt,
	})
}

func (s *HTTPServer) handleEnqueueJob(w http.ResponseWriter, r *http.Request, requester, materialID string) {
	var body struct {
		Type     string `json:"type"`
		Priority int    `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	job, reused, err := s.service.EnqueueGeneration(r.Context(), materialID, genai.ArtifactType(body.Type), requester, body.Priority)
	if err != nil {
		s.respondError(w, err)
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, jobPayload(job))
}

func (s *HTTPServer) handleJobStatus(w http.ResponseWriter, r *http.Request, requester, jobID string) {
	job, err := s.service.JobStatus(r.Context(), jobID, requester)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobPayload(job))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, requester string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp := s.service.SearchArtifacts(search.Query{
		Text:       r.URL.Query().Get("q"),
		UserID:     requester,
		FilterType: r.URL.Query().Get("type"),
		Limit:      limit,
	})
	writeJSON(w, http.StatusOK, resp)
}

func versionPayload(v store.ArtifactVersion) map[string]any {
	payload := map[string]any{
		"id":          v.ID,
		"materialId":  v.MaterialID,
		"type":        v.Type,
		"content":     json.RawMessage(v.Content),
		"modelName":   v.ModelName,
		"modelParams": json.RawMessage(v.ModelParams),
		"confidence":  v.Confidence,
		"language":    nullableString(v.Language),
		"preview":     nullableString(v.Preview),
		"createdBy":   v.CreatedBy,
		"generatedBy": v.GeneratedBy,
		"createdAt":   v.CreatedAt,
	}
	return payload
}

func jobPayload(j store.GenerationJob) map[string]any {
	payload := map[string]any{
		"id":           j.ID,
		"materialId":   j.MaterialID,
		"userId":       j.UserID,
		"jobType":      j.JobType,
		"status":       j.Status,
		"priority":     j.Priority,
		"attempts":     j.Attempts,
		"maxAttempts":  j.MaxAttempts,
		"errorMessage": nullableString(j.ErrorMessage),
		"startedAt":    j.StartedAt,
		"completedAt":  j.CompletedAt,
		"createdAt":    j.CreatedAt,
	}
	if len(j.Result) > 0 {
		payload["result"] = json.RawMessage(j.Result)
	} else {
		payload["result"] = nil
	}
	return payload
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= 500 {
		log.Printf("http: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
