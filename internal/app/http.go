package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"annotator/api/internal/annotate"
	"annotator/api/internal/auth"
	"annotator/api/internal/export"
	"annotator/api/internal/rbac"
	"annotator/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"displayName":   session.DisplayName,
			"userId":        session.UserID,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Username, body.Password)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"userName":     session.UserName,
			"displayName":  session.DisplayName,
			"userId":       session.UserID,
			"role":         session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"userName":     session.UserName,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Everything below requires a session.
	session, err := s.service.SessionFromToken(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch segments[1] {
	case "assignments":
		if r.Method == http.MethodGet && len(segments) == 2 {
			items, err := s.service.ListMyAssignments(r.Context(), session)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"assignments": items})
			return
		}
	case "annotate":
		s.handleAnnotate(w, r, session, segments)
		return
	case "search":
		if r.Method == http.MethodGet && len(segments) == 2 {
			s.handleSearch(w, r, session)
			return
		}
	case "admin":
		s.handleAdmin(w, r, session, segments)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAnnotate(w http.ResponseWriter, r *http.Request, session Session, segments []string) {
	if !s.service.Can(session, rbac.ActionAnnotate) {
		s.forbid(w, r, session, "annotate")
		return
	}
	if len(segments) < 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	assignmentID := segments[2]

	if r.Method == http.MethodGet && len(segments) == 3 {
		view, err := s.service.AnnotationView(r.Context(), session, assignmentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if r.Method == http.MethodPost && len(segments) == 4 && segments[3] == "advance" {
		var body struct {
			Direction string `json:"direction"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		direction := 0
		switch body.Direction {
		case "next", "":
			direction = 1
		case "prev":
			direction = -1
		default:
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "direction must be next or prev", nil)
			return
		}
		result, err := s.service.Advance(r.Context(), session, assignmentID, direction)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodPost && len(segments) == 4 && segments[3] == "codes" {
		var body SubmitCodeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SubmitCode(r.Context(), session, assignmentID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.service.Can(session, rbac.ActionAnnotate) {
		s.forbid(w, r, session, "search")
		return
	}

	query := search.Query{
		Text:     strings.TrimSpace(r.URL.Query().Get("q")),
		ThreadID: strings.TrimSpace(r.URL.Query().Get("thread")),
		Limit:    parseIntParam(r, "limit", 20),
		Offset:   parseIntParam(r, "offset", 0),
		Level:    parseIntParam(r, "level", 0),
	}
	if query.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}

	response, err := s.service.SearchPosts(query)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, segments []string) {
	if len(segments) < 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch segments[2] {
	case "users":
		if !s.service.Can(session, rbac.ActionManageUsers) {
			s.forbid(w, r, session, "manage-users")
			return
		}
		if r.Method == http.MethodGet && len(segments) == 3 {
			items, err := s.service.ListUsers(r.Context())
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"users": items})
			return
		}
		if r.Method == http.MethodPost && len(segments) == 3 {
			var body CreateUserInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			user, err := s.service.CreateUser(r.Context(), body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, user)
			return
		}

	case "tasks":
		if !s.service.Can(session, rbac.ActionAssign) {
			s.forbid(w, r, session, "assign")
			return
		}
		if r.Method == http.MethodGet && len(segments) == 3 {
			items, err := s.service.ListTasks(r.Context())
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"tasks": items})
			return
		}
		if r.Method == http.MethodPost && len(segments) == 3 {
			var body CreateTaskInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			task, err := s.service.CreateTask(r.Context(), body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, task)
			return
		}

	case "threads":
		if !s.service.Can(session, rbac.ActionAssign) {
			s.forbid(w, r, session, "assign")
			return
		}
		if r.Method == http.MethodGet && len(segments) == 3 {
			items, err := s.service.ListThreads(r.Context())
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"threads": items})
			return
		}

	case "assignments":
		if !s.service.Can(session, rbac.ActionAssign) {
			s.forbid(w, r, session, "assign")
			return
		}
		if r.Method == http.MethodGet && len(segments) == 3 {
			threadID := strings.TrimSpace(r.URL.Query().Get("thread"))
			taskID := strings.TrimSpace(r.URL.Query().Get("task"))
			if threadID == "" || taskID == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "thread and task are required", nil)
				return
			}
			items, err := s.service.ListAssignmentsForThreadTask(r.Context(), threadID, taskID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"assignments": items})
			return
		}
		if r.Method == http.MethodPost && len(segments) == 3 {
			var body struct {
				Assignments []AssignmentInput `json:"assignments"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			outcomes, err := s.service.CreateAssignments(r.Context(), body.Assignments)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"results": outcomes})
			return
		}

	case "agreement":
		if !s.service.Can(session, rbac.ActionReview) {
			s.forbid(w, r, session, "review")
			return
		}
		if r.Method == http.MethodGet && len(segments) == 5 {
			report, err := s.service.AgreementReport(r.Context(), segments[3], segments[4])
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
			return
		}

	case "tiebreaks":
		if !s.service.Can(session, rbac.ActionReview) {
			s.forbid(w, r, session, "review")
			return
		}
		if r.Method == http.MethodPost && len(segments) == 3 {
			var body TieBreakInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			item, err := s.service.ResolveTieBreak(r.Context(), session, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, item)
			return
		}

	case "export":
		if !s.service.Can(session, rbac.ActionReview) {
			s.forbid(w, r, session, "review")
			return
		}
		if r.Method == http.MethodGet && len(segments) == 5 && segments[3] == "codes" {
			result, err := s.service.ExportCodes(r.Context(), segments[4])
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeDownload(w, result)
			return
		}
		if r.Method == http.MethodGet && len(segments) == 6 && segments[3] == "agreement" {
			format := export.Format(r.URL.Query().Get("format"))
			if format == "" {
				format = export.FormatPDF
			}
			if format != export.FormatPDF && format != export.FormatDOCX {
				writeError(w, http.StatusUnprocessableEntity, "INVALID_FORMAT", "Format must be pdf or docx", nil)
				return
			}
			result, err := s.service.ExportAgreement(r.Context(), segments[4], segments[5], format)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeDownload(w, result)
			return
		}

	case "ingest":
		if !s.service.Can(session, rbac.ActionIngest) {
			s.forbid(w, r, session, "ingest")
			return
		}
		if r.Method == http.MethodPost && len(segments) == 3 {
			defer r.Body.Close()
			count, err := s.service.IngestCSV(r.Context(), r.Body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"loaded": count})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// forbid writes a 403 Forbidden response
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action string) {
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

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

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func writeDownload(w http.ResponseWriter, result *export.Result) {
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var integrityErr *annotate.IntegrityError
	if errors.As(err, &integrityErr) {
		return http.StatusInternalServerError, "DATA_INTEGRITY", "Thread data is inconsistent", map[string]any{
			"threadId": integrityErr.ThreadID,
			"postId":   integrityErr.PostID,
			"reason":   integrityErr.Reason,
		}
	}
	var cursorErr *annotate.CursorError
	if errors.As(err, &cursorErr) {
		return http.StatusInternalServerError, "INVALID_CURSOR", "Assignment cursor is invalid", map[string]any{
			"assignmentId": cursorErr.AssignmentID,
			"nextPostId":   cursorErr.NextPostID,
			"reason":       cursorErr.Reason,
		}
	}
	if errors.Is(err, annotate.ErrThreadNotFound) || errors.Is(err, annotate.ErrAssignmentNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
