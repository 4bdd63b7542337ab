package main

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"prospectflow/auth"
	"prospectflow/compliance"
	"prospectflow/contact"
	"prospectflow/engagement"
	"prospectflow/prospect"
	"prospectflow/quality"
	"prospectflow/replies"
	"prospectflow/report"
)

func (s *Server) handleInboundReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !sharedSecretOK(r, "x-webhook-secret", s.replySecret) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	in, err := replies.Normalize(replies.ParseBody(r.Header.Get("Content-Type"), body))
	if err != nil {
		if errors.Is(err, replies.ErrUnsupportedPayload) || errors.Is(err, replies.ErrMissingSender) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	res, err := s.replies.Ingest(r.Context(), in)
	if err != nil {
		s.logger().Error("reply ingest failed", "provider", in.Provider, "err", err)
		writeError(w, http.StatusInternalServerError, "reply not stored")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEmailEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	eventID, err := s.verifier.Verify(r.Header, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	res, err := s.events.HandleDeliveryEvent(r.Context(), eventID, body)
	if err != nil {
		if errors.Is(err, engagement.ErrMalformedEvent) {
			writeError(w, http.StatusBadRequest, "malformed event")
			return
		}
		s.logger().Error("delivery event failed", "event_id", eventID, "err", err)
		writeError(w, http.StatusInternalServerError, "event not applied")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type unsubscribeResponse struct {
	Success         bool `json:"success"`
	AlreadyOptedOut bool `json:"alreadyOptedOut"`
}

// handleUnsubscribe serves the footer link (GET, HTML) and the one-click
// List-Unsubscribe-Post request (POST, JSON).
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	q := r.URL.Query()
	contactID, token := q.Get("contactId"), q.Get("token")
	var (
		res compliance.SuppressionResult
		err error
	)
	if contactID != "" && token != "" && !validID(contactID) {
		err = contact.ErrNotFound
	} else {
		res, err = s.unsubscribes.Unsubscribe(r.Context(), contactID, token)
	}

	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, compliance.ErrMissingParams):
		status = http.StatusBadRequest
	case errors.Is(err, contact.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, compliance.ErrInvalidToken):
		status = http.StatusUnauthorized
	default:
		s.logger().Error("unsubscribe failed", "err", err)
		status = http.StatusInternalServerError
	}

	if r.Method == http.MethodPost {
		if status != http.StatusOK {
			writeError(w, status, "unsubscribe failed")
			return
		}
		writeJSON(w, status, unsubscribeResponse{Success: true, AlreadyOptedOut: res.AlreadyOptedOut})
		return
	}

	message := "You have been unsubscribed and will not receive further emails from us."
	if status >= 400 && status < 500 {
		message = "This unsubscribe link is invalid or incomplete."
	} else if status != http.StatusOK {
		message = "Something went wrong. Please try again later."
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>Unsubscribe</title></head><body><p>%s</p></body></html>", html.EscapeString(message))
}

func (s *Server) handleCadenceSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	if !sharedSecretOK(r, "x-cron-secret", s.cronSecret) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	summary, err := s.cadence.Sweep(r.Context())
	if err != nil {
		s.logger().Error("cadence sweep failed", "err", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type userResponse struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"fullName"`
	Role     auth.Role `json:"role"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expiresAt"`
	User      userResponse `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger().Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		User: userResponse{
			ID:       res.User.ID,
			Email:    res.User.Email,
			FullName: res.User.FullName,
			Role:     res.User.Role,
		},
	})
}

// handleProspectDetail routes /api/prospects/{id}/{quality|report.pdf|call-tasks|evidence}.
func (s *Server) handleProspectDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/prospects/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "expected /api/prospects/{id}/{resource}")
		return
	}
	id := parts[0]
	if !validID(id) {
		writeError(w, http.StatusNotFound, "prospect not found")
		return
	}

	switch parts[1] {
	case "quality":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleQuality(w, r, id)
	case "report.pdf":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleReport(w, r, id)
	case "call-tasks":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleCreateCallTask(w, r, id)
	case "evidence":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleRecordEvidence(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type tagResponse struct {
	Tag         string   `json:"tag"`
	SourceTypes []string `json:"sourceTypes"`
	ItemCount   int      `json:"itemCount"`
	Confirmed   bool     `json:"confirmed"`
}

type runResponse struct {
	ID              string  `json:"id"`
	ProspectID      string  `json:"prospectId"`
	Status          string  `json:"status"`
	QualityApproved *bool   `json:"qualityApproved"`
	ReviewedBy      *string `json:"qualityReviewedBy,omitempty"`
	ReviewedAt      *string `json:"qualityReviewedAt,omitempty"`
}

type qualityResponse struct {
	ProspectID        string        `json:"prospectId"`
	Level             quality.Level `json:"level"`
	EvidenceCount     int           `json:"evidenceCount"`
	SourceTypeCount   int           `json:"sourceTypeCount"`
	AverageConfidence float64       `json:"averageConfidence"`
	Reasons           []string      `json:"reasons"`
	ConfirmedTags     []tagResponse `json:"confirmedTags"`
	Run               *runResponse  `json:"researchRun"`
	OutreachAllowed   bool          `json:"outreachAllowed"`
	BlockedReason     string        `json:"blockedReason,omitempty"`
}

func toRunResponse(run quality.ResearchRun) runResponse {
	out := runResponse{
		ID:              run.ID,
		ProspectID:      run.ProspectID,
		Status:          string(run.Status),
		QualityApproved: run.QualityApproved,
		ReviewedBy:      run.QualityReviewedBy,
	}
	if run.QualityReviewedAt != nil {
		at := run.QualityReviewedAt.UTC().Format(time.RFC3339)
		out.ReviewedAt = &at
	}
	return out
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request, prospectID string) {
	a, err := s.qualityService.Assess(r.Context(), prospectID)
	if err != nil {
		if errors.Is(err, quality.ErrProspectNotFound) {
			writeError(w, http.StatusNotFound, "prospect not found")
			return
		}
		s.logger().Error("quality assessment failed", "prospect_id", prospectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := qualityResponse{
		ProspectID:        prospectID,
		Level:             a.Verdict.Level,
		EvidenceCount:     a.Verdict.EvidenceCount,
		SourceTypeCount:   a.Verdict.SourceTypeCount,
		AverageConfidence: a.Verdict.AverageConfidence,
		Reasons:           append([]string{}, a.Verdict.Reasons...),
		ConfirmedTags:     make([]tagResponse, 0, len(a.ConfirmedTags)),
		OutreachAllowed:   a.OutreachOK,
		BlockedReason:     a.BlockedReason,
	}
	for _, t := range a.ConfirmedTags {
		sources := make([]string, len(t.SourceTypes))
		for i, st := range t.SourceTypes {
			sources[i] = string(st)
		}
		resp.ConfirmedTags = append(resp.ConfirmedTags, tagResponse{Tag: t.Tag, SourceTypes: sources, ItemCount: t.ItemCount, Confirmed: t.Confirmed})
	}
	if a.Run != nil {
		run := toRunResponse(*a.Run)
		resp.Run = &run
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, prospectID string) {
	p, err := s.prospects.GetByID(r.Context(), prospectID)
	if err != nil {
		if errors.Is(err, prospect.ErrNotFound) {
			writeError(w, http.StatusNotFound, "prospect not found")
			return
		}
		s.logger().Error("load prospect failed", "prospect_id", prospectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a, err := s.qualityService.Assess(r.Context(), prospectID)
	if err != nil {
		s.logger().Error("quality assessment failed", "prospect_id", prospectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	evidence, err := s.qualityService.Evidence(r.Context(), prospectID)
	if err != nil {
		s.logger().Error("load evidence failed", "prospect_id", prospectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	doc := report.RenderReport(report.BuildProspectText(p, a, evidence, s.clock()))
	name := strings.NewReplacer("/", "-", `"`, "", " ", "-").Replace(p.Domain)
	if name == "" {
		name = p.ID
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-report.pdf"`, name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

type callTaskRequest struct {
	TriggerSource string `json:"triggerSource"`
}

func (s *Server) handleCreateCallTask(w http.ResponseWriter, r *http.Request, prospectID string) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	req := callTaskRequest{TriggerSource: "manual"}
	if len(body) > 0 {
		if err := decodeJSON(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	res, err := s.callTasks.CreateEngagementCallTask(r.Context(), prospectID, req.TriggerSource)
	if err != nil {
		s.logger().Error("call task failed", "prospect_id", prospectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type evidenceItemRequest struct {
	SourceType      string         `json:"sourceType"`
	SourceURL       string         `json:"sourceUrl"`
	Snippet         string         `json:"snippet"`
	WorkflowTag     string         `json:"workflowTag"`
	ConfidenceScore float64        `json:"confidenceScore"`
	AIRelevance     *float64       `json:"aiRelevance"`
	Metadata        map[string]any `json:"metadata"`
}

type evidenceRequest struct {
	ResearchRunID string                `json:"researchRunId"`
	Items         []evidenceItemRequest `json:"items"`
}

func (s *Server) handleRecordEvidence(w http.ResponseWriter, r *http.Request, prospectID string) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req evidenceRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ResearchRunID == "" || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "researchRunId and items are required")
		return
	}
	if !validID(req.ResearchRunID) {
		writeError(w, http.StatusBadRequest, "researchRunId must be a uuid")
		return
	}
	drafts := make([]quality.EvidenceDraft, len(req.Items))
	for i, it := range req.Items {
		drafts[i] = quality.EvidenceDraft{
			SourceType:      quality.SourceType(strings.ToUpper(it.SourceType)),
			SourceURL:       it.SourceURL,
			Snippet:         it.Snippet,
			WorkflowTag:     it.WorkflowTag,
			ConfidenceScore: it.ConfidenceScore,
			AIRelevance:     it.AIRelevance,
			Metadata:        it.Metadata,
		}
	}

	n, err := s.qualityService.RecordEvidence(r.Context(), prospectID, req.ResearchRunID, drafts)
	if err != nil {
		switch {
		case errors.Is(err, quality.ErrInvalidDraft):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, quality.ErrRunNotFound), errors.Is(err, quality.ErrProspectNotFound):
			writeError(w, http.StatusNotFound, "research run not found for prospect")
		default:
			s.logger().Error("record evidence failed", "prospect_id", prospectID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"inserted": n})
}

type approvalRequest struct {
	Approved *bool `json:"approved"`
}

// handleRunApproval serves POST /api/research-runs/{id}/approval for admins.
func (s *Server) handleRunApproval(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/research-runs/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "approval" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	userID, role, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req approvalRequest
	if err := decodeJSON(body, &req); err != nil || req.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved (boolean) is required")
		return
	}

	if !validID(parts[0]) {
		writeError(w, http.StatusNotFound, "research run not found")
		return
	}
	run, err := s.qualityService.Approve(r.Context(), parts[0], *req.Approved, userID)
	if err != nil {
		if errors.Is(err, quality.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "research run not found")
			return
		}
		s.logger().Error("approval failed", "research_run_id", parts[0], "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
