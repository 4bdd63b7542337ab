package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"prospectflow/auth"
	"prospectflow/cadence"
	"prospectflow/compliance"
	"prospectflow/engagement"
	"prospectflow/logging"
	"prospectflow/prospect"
	"prospectflow/quality"
	"prospectflow/replies"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type replyIngester interface {
	Ingest(ctx context.Context, in replies.InboundReply) (replies.Result, error)
}

type eventHandler interface {
	HandleDeliveryEvent(ctx context.Context, eventID string, body []byte) (engagement.EventResult, error)
}

type signatureVerifier interface {
	Verify(h http.Header, body []byte) (string, error)
}

type unsubscriber interface {
	Unsubscribe(ctx context.Context, contactID, token string) (compliance.SuppressionResult, error)
}

type sweeper interface {
	Sweep(ctx context.Context) (cadence.SweepSummary, error)
}

type authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
}

type qualityService interface {
	Assess(ctx context.Context, prospectID string) (quality.Assessment, error)
	Evidence(ctx context.Context, prospectID string) ([]quality.EvidenceItem, error)
	Approve(ctx context.Context, runID string, approved bool, reviewerID string) (quality.ResearchRun, error)
	RecordEvidence(ctx context.Context, prospectID, runID string, drafts []quality.EvidenceDraft) (int, error)
}

type prospectReader interface {
	GetByID(ctx context.Context, id string) (prospect.Prospect, error)
}

type callTaskCreator interface {
	CreateEngagementCallTask(ctx context.Context, prospectID, trigger string) (engagement.CallTaskResult, error)
}

// Server exposes the HTTP surface. Every dependency is an interface so
// handlers can be tested with stubs.
type Server struct {
	replies        replyIngester
	events         eventHandler
	verifier       signatureVerifier
	unsubscribes   unsubscriber
	cadence        sweeper
	authService    authenticator
	qualityService qualityService
	prospects      prospectReader
	callTasks      callTaskCreator

	replySecret  string
	cronSecret   string
	maxBodyBytes int64
	log          *slog.Logger
	now          func() time.Time
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/webhooks/replies", s.handleInboundReply)
	mux.HandleFunc("/webhooks/email-events", s.handleEmailEvents)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/cron/cadence-sweep", s.handleCadenceSweep)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/prospects/", s.requireOperator(s.handleProspectDetail))
	mux.HandleFunc("/api/research-runs/", s.requireOperator(s.handleRunApproval))
	return s.recoverer(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recoverer turns a handler panic into a 500 instead of a dropped connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger().Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireOperator accepts any valid bearer token and stores the caller in
// the request context.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, id.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, id.Role)
		next(w, r.WithContext(ctx))
	}
}

func identityFromContext(ctx context.Context) (string, auth.Role, bool) {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return userID, role, userID != ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// sharedSecretOK compares the header (or bearer token) to secret in
// constant time. An empty secret never matches.
func sharedSecretOK(r *http.Request, header, secret string) bool {
	if secret == "" {
		return false
	}
	got := r.Header.Get(header)
	if got == "" {
		got = bearerToken(r)
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.maxBodyBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func (s *Server) logger() *slog.Logger {
	if s.log == nil {
		return logging.Discard()
	}
	return s.log
}

func (s *Server) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(body []byte, dst any) error {
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, dst)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
