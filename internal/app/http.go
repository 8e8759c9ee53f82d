package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dissolve/api/internal/auth"
	"dissolve/api/internal/email"
	"dissolve/api/internal/logging"
	"dissolve/api/internal/rbac"
	"dissolve/api/internal/search"
)

type HTTPServer struct {
	service        *Service
	corsOrigin     string
	maxUploadBytes int64
	log            *logrus.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, maxUploadBytes int64, log *logrus.Logger) *HTTPServer {
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 32 << 20
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, maxUploadBytes: maxUploadBytes, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	// Pre-flight requests get an empty success response.
	if r.Method == http.MethodOptions {
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusOK)
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
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"groups":    session.Groups,
			"expiresAt": session.ExpiresAt.Unix(),
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
			"userId":        session.UserID,
			"groups":        session.Groups,
			"role":          rbac.Highest(session.Groups),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/registrations" {
		var body RegistrationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.Register(r.Context(), body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "admin":
		s.handleAdmin(w, r, session, parts[2:])
	case "registrations":
		s.handleRegistrations(w, r, session, parts[2:])
	case "uploads":
		s.handleUploads(w, r, session, parts[2:])
	case "exports":
		s.handleExports(w, r, session, parts[2:])
	case "maintenance":
		s.handleMaintenance(w, r, session, parts[2:])
	case "assignments":
		s.handleAssignments(w, r, session, parts[2:])
	case "search":
		s.handleSearch(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !session.Can(rbac.ActionAdmin) {
		s.forbid(w, r, session, "admin")
		return
	}
	if r.Method != http.MethodPost || len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch parts[0] {
	case "user-groups":
		var body UserGroupsRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.UserGroups(r.Context(), body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "welcome-email":
		var body email.WelcomeData
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SendWelcomeEmail(r.Context(), body); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Welcome email sent"})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRegistrations(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !session.Can(rbac.ActionAdmin) {
		s.forbid(w, r, session, "registrations")
		return
	}
	if r.Method == http.MethodGet && len(parts) == 0 {
		items, err := s.service.ListRegistrations(r.Context(), strings.TrimSpace(r.URL.Query().Get("status")))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	if r.Method == http.MethodPost && len(parts) == 2 {
		var (
			result map[string]any
			err    error
		)
		switch parts[1] {
		case "approve":
			result, err = s.service.ApproveRegistration(r.Context(), parts[0])
		case "reject":
			result, err = s.service.RejectRegistration(r.Context(), parts[0])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUploads(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !session.Can(rbac.ActionOrganize) {
		s.forbid(w, r, session, "uploads")
		return
	}
	if r.Method != http.MethodPost || len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	body, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error(), nil)
		return
	}

	// The run continues if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	logging.FromContext(ctx).WithFields(logrus.Fields{"kind": parts[0], "bytes": len(body), "user": session.UserName}).Info("upload received")

	switch parts[0] {
	case "consents":
		result, err := s.service.ImportConsents(ctx, body, r.URL.Query().Get("format"))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "residents":
		result, err := s.service.ImportResidents(ctx, body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExports(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !session.Can(rbac.ActionOrganize) {
		s.forbid(w, r, session, "exports")
		return
	}
	if r.Method != http.MethodGet || len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	var (
		buf bytes.Buffer
		err error
	)
	switch parts[0] {
	case "residents.csv":
		err = s.service.ExportResidents(r.Context(), &buf)
	case "consents.csv":
		err = s.service.ExportConsents(r.Context(), &buf)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", parts[0]))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleMaintenance(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !session.Can(rbac.ActionAdmin) {
		s.forbid(w, r, session, "maintenance")
		return
	}
	if r.Method != http.MethodPost || len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dryRun"))
	ctx := context.WithoutCancel(r.Context())

	var (
		result any
		err    error
	)
	switch parts[0] {
	case "dedupe-consents":
		result, err = s.service.DedupeConsents(ctx, dryRun)
	case "migrate-ids":
		result, err = s.service.MigrateIDs(ctx, dryRun)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAssignments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !session.Can(rbac.ActionCanvass) {
		s.forbid(w, r, session, "assignments")
		return
	}

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			var (
				items []map[string]any
				err   error
			)
			volunteerID := strings.TrimSpace(r.URL.Query().Get("volunteerId"))
			if session.Can(rbac.ActionOrganize) && (volunteerID != "" || r.URL.Query().Get("all") == "true") {
				items, err = s.service.ListAssignments(r.Context(), volunteerID)
			} else {
				items, err = s.service.ListOwnAssignments(r.Context(), session)
			}
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			if !session.Can(rbac.ActionOrganize) {
				s.forbid(w, r, session, "assignments.bulk")
				return
			}
			var body struct {
				Volunteer  VolunteerInput `json:"volunteer"`
				AddressIDs []string       `json:"addressIds"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			result, err := s.service.BulkAssign(r.Context(), body.Volunteer, body.AddressIDs)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var patch AssignmentPatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.UpdateAssignment(r.Context(), session, parts[0], patch)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if !session.Can(rbac.ActionOrganize) {
			s.forbid(w, r, session, "assignments.delete")
			return
		}
		if err := s.service.Unassign(r.Context(), parts[0]); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if !session.Can(rbac.ActionCanvass) {
		s.forbid(w, r, session, "search")
		return
	}
	if r.Method != http.MethodGet || len(parts) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	q := search.Query{Text: strings.TrimSpace(query.Get("q")), Limit: limit}
	switch query.Get("signed") {
	case "true":
		q.SignedOnly = true
	case "false":
		q.UnsignedOnly = true
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

// readUpload accepts a raw CSV body or a multipart form with a "file" field.
func (s *HTTPServer) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, errors.New("multipart field \"file\" is required")
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action string) {
	logging.FromContext(r.Context()).WithFields(logrus.Fields{
		"user":   session.UserName,
		"groups": session.Groups,
		"action": action,
	}).Warn("forbidden")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		entry := s.log.WithField("request_id", requestID)
		r = r.WithContext(logging.WithLogger(r.Context(), entry))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		origin := s.corsOrigin
		if strings.HasPrefix(r.URL.Path, "/api/admin/") {
			origin = "*"
		}
		setCORSHeaders(writer.Header(), origin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		entry.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
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
