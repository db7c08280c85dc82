package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"reqdesk/api/internal/auth"
	"reqdesk/api/internal/authpw"
	"reqdesk/api/internal/config"
	"reqdesk/api/internal/email"
	"reqdesk/api/internal/rbac"
	"reqdesk/api/internal/search"
	"reqdesk/api/internal/session"
	"reqdesk/api/internal/store"
	"reqdesk/api/internal/util"
	"reqdesk/api/internal/visibility"
	"reqdesk/api/internal/workflow"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

const (
	SortDateDesc = "date_desc"
	SortDateAsc  = "date_asc"
	SortUrgency  = "urgency"
)

type dataStore interface {
	GetProfileByID(context.Context, string) (store.Profile, error)
	ListReviewers(context.Context) ([]store.Profile, error)
	ListRequests(context.Context) ([]store.Request, error)
	GetRequest(context.Context, string) (store.Request, error)
	InsertRequest(context.Context, store.Request) error
	UpdateRequestStatus(context.Context, string, string) (bool, error)
	UpdateRequestReviewer(context.Context, string, *string) (bool, error)
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string) ([]store.Message, error)
	ListMessageMeta(context.Context) (map[string][]store.MessageMeta, error)
	GetViewMarker(context.Context, string, string) (*time.Time, error)
	ListViewMarkers(context.Context, string) (map[string]time.Time, error)
	UpsertViewMarker(context.Context, string, string) error
	RequestTotals(context.Context) ([]store.RequestTotal, error)
	CountRequestsByClient(context.Context) ([]store.ClientCount, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, session.TokenData, time.Time) error
	LookupRefreshSession(context.Context, string) (session.TokenData, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type roleResolver interface {
	ResolveRole(ctx context.Context, profileID string) (rbac.Role, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	roles    roleResolver
	policy   *workflow.Policy
	authpw   *authpw.Service
	search   *search.Service
	mail     *email.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, roles roleResolver, authSvc *authpw.Service, searchSvc *search.Service, mailSvc *email.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		roles:    roles,
		policy:   workflow.DefaultPolicy(),
		authpw:   authSvc,
		search:   searchSvc,
		mail:     mailSvc,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// CreateSession issues tokens for a freshly authenticated profile. The role
// lookup goes through the resolver because a profile row can land a moment
// after sign-up completes.
func (s *Service) CreateSession(ctx context.Context, profileID string) (Session, error) {
	role, err := s.roles.ResolveRole(ctx, profileID)
	if err != nil {
		return Session{}, err
	}
	profile, err := s.store.GetProfileByID(ctx, profileID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile.ID, profile.Email, string(role))
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, data.UserID, data.Email, data.Role)
}

func (s *Service) issueSession(ctx context.Context, userID, userEmail, role string) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   userID,
		Email: userEmail,
		Role:  role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), session.TokenData{
		UserID: userID,
		Email:  userEmail,
		Role:   role,
	}, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       userID,
		Email:        userEmail,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	// Role comes from storage, not the claims, so demotions take effect on
	// the next request instead of at token expiry.
	role, err := s.roles.ResolveRole(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		Role:      string(role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// scopedRequest loads a request and enforces who may see it: clients their
// own, reviewers their assignments, admins everything. Out-of-scope requests
// surface as not found so their existence leaks nothing.
func (s *Service) scopedRequest(ctx context.Context, sess Session, requestID string) (store.Request, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return store.Request{}, err
	}
	if !requestInScope(request, sess) {
		return store.Request{}, sql.ErrNoRows
	}
	return request, nil
}

func requestInScope(request store.Request, sess Session) bool {
	switch rbac.Normalize(sess.Role) {
	case rbac.RoleAdmin:
		return true
	case rbac.RoleReviewer:
		return request.ReviewerID != nil && *request.ReviewerID == sess.UserID
	case rbac.RoleClient:
		return request.ClientID == sess.UserID
	default:
		return false
	}
}

// ListRequests returns the viewer's request queue with per-request message
// and unseen counts, ordered by the requested sort.
func (s *Service) ListRequests(ctx context.Context, sess Session, sortKey string) ([]map[string]any, error) {
	role := rbac.Normalize(sess.Role)
	if !rbac.Can(role, rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	requests, err := s.store.ListRequests(ctx)
	if err != nil {
		return nil, err
	}

	scoped := make([]store.Request, 0, len(requests))
	for _, request := range requests {
		if requestInScope(request, sess) {
			scoped = append(scoped, request)
		}
	}

	meta, err := s.store.ListMessageMeta(ctx)
	if err != nil {
		return nil, err
	}
	markers, err := s.store.ListViewMarkers(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	sortRequests(scoped, sortKey)

	items := make([]map[string]any, 0, len(scoped))
	for _, request := range scoped {
		visibleMeta := visibility.FilterMeta(meta[request.ID], role)
		var lastViewed *time.Time
		if marker, ok := markers[request.ID]; ok {
			lastViewed = &marker
		}
		item := requestPayload(request)
		item["messageCount"] = len(visibleMeta)
		item["unseenCount"] = visibility.CountUnseen(visibleMeta, lastViewed)
		items = append(items, item)
	}
	return items, nil
}

// sortRequests reorders in place. The input arrives newest-first from the
// store; the stable sorts keep that order within equal keys, which is what
// makes urgency-first deterministic.
func sortRequests(requests []store.Request, sortKey string) {
	switch sortKey {
	case SortDateAsc:
		sort.SliceStable(requests, func(i, j int) bool {
			return requests[i].CreatedAt.Before(requests[j].CreatedAt)
		})
	case SortUrgency:
		sort.SliceStable(requests, func(i, j int) bool {
			return requests[i].Urgency == string(workflow.UrgencyUrgent) &&
				requests[j].Urgency != string(workflow.UrgencyUrgent)
		})
	default:
		sort.SliceStable(requests, func(i, j int) bool {
			return requests[i].CreatedAt.After(requests[j].CreatedAt)
		})
	}
}

// GetRequest returns a request and its thread filtered to what the viewer's
// role may see. Opening a request counts as viewing it: the viewer's marker
// moves to now, and the reported unseenCount reflects the marker from before
// this call.
func (s *Service) GetRequest(ctx context.Context, sess Session, requestID string) (map[string]any, error) {
	role := rbac.Normalize(sess.Role)
	if !rbac.Can(role, rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	request, err := s.scopedRequest(ctx, sess, requestID)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(ctx, requestID)
	if err != nil {
		return nil, err
	}
	visible := visibility.Filter(messages, role)

	marker, err := s.store.GetViewMarker(ctx, sess.UserID, requestID)
	if err != nil {
		return nil, err
	}
	// The marker write is bookkeeping; a failure must not take the read down
	// with it. The unseen count just stays stale until the next open.
	if err := s.store.UpsertViewMarker(ctx, sess.UserID, requestID); err != nil {
		log.Printf("requests: view marker for %s: %v", requestID, err)
	}

	metaFromMessages := make([]store.MessageMeta, 0, len(visible))
	for _, message := range visible {
		metaFromMessages = append(metaFromMessages, store.MessageMeta{
			RequestID:  message.RequestID,
			CreatedAt:  message.CreatedAt,
			IsInternal: message.IsInternal,
		})
	}

	payload := requestPayload(request)
	payload["messages"] = messagePayloads(visible)
	payload["unseenCount"] = visibility.CountUnseen(metaFromMessages, marker)
	return payload, nil
}

// CreateRequest opens a new request. The status is always New regardless of
// caller input, and a non-empty description becomes the thread's first
// message.
func (s *Service) CreateRequest(ctx context.Context, sess Session, title, description, urgency string) (map[string]any, error) {
	role := rbac.Normalize(sess.Role)
	if !rbac.Can(role, rbac.ActionCreate) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	description = strings.TrimSpace(description)

	urg := workflow.UrgencyNormal
	if strings.TrimSpace(urgency) != "" {
		parsed, err := workflow.ParseUrgency(urgency)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "urgency must be Normal or Urgent", nil)
		}
		urg = parsed
	}

	request := store.Request{
		ID:       util.NewID("req"),
		Title:    title,
		ClientID: sess.UserID,
		Status:   string(workflow.StatusNew),
		Urgency:  string(urg),
	}
	if err := s.store.InsertRequest(ctx, request); err != nil {
		return nil, err
	}

	s.indexRequest(request)

	if description != "" {
		message := store.Message{
			ID:        util.NewID("msg"),
			RequestID: request.ID,
			UserID:    sess.UserID,
			Text:      description,
		}
		if err := s.store.InsertMessage(ctx, message); err != nil {
			return nil, err
		}
		s.indexMessage(request, message)
	}

	return s.GetRequest(ctx, sess, request.ID)
}

// AddMessage appends to a request thread. Internal notes require staff.
func (s *Service) AddMessage(ctx context.Context, sess Session, requestID, text string, isInternal bool) (map[string]any, error) {
	role := rbac.Normalize(sess.Role)
	if !rbac.Can(role, rbac.ActionComment) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if isInternal && !rbac.Can(role, rbac.ActionInternalNote) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Internal notes are restricted to staff", nil)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}

	request, err := s.scopedRequest(ctx, sess, requestID)
	if err != nil {
		return nil, err
	}

	message := store.Message{
		ID:         util.NewID("msg"),
		RequestID:  requestID,
		UserID:     sess.UserID,
		Text:       text,
		IsInternal: isInternal,
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	s.indexMessage(request, message)

	return s.GetRequest(ctx, sess, requestID)
}

// ChangeStatus moves a request through the lifecycle. The transition must be
// permitted for the caller's role and every change appends a system message
// to the thread.
func (s *Service) ChangeStatus(ctx context.Context, sess Session, requestID, to string) (map[string]any, error) {
	if err := s.changeStatusOne(ctx, sess, requestID, to); err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, sess, requestID)
}

func (s *Service) changeStatusOne(ctx context.Context, sess Session, requestID, to string) error {
	role := rbac.Normalize(sess.Role)
	if !rbac.Can(role, rbac.ActionTransition) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	target, err := workflow.ParseStatus(to)
	if err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status", map[string]any{"status": to})
	}

	request, err := s.scopedRequest(ctx, sess, requestID)
	if err != nil {
		return err
	}

	from := workflow.Status(request.Status)
	if !s.policy.Allows(role, from, target) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Transition not permitted", map[string]any{
			"from": string(from),
			"to":   string(target),
		})
	}

	updated, err := s.store.UpdateRequestStatus(ctx, requestID, string(target))
	if err != nil {
		return err
	}
	if !updated {
		return sql.ErrNoRows
	}

	message := store.Message{
		ID:        util.NewID("msg"),
		RequestID: requestID,
		UserID:    sess.UserID,
		Text:      workflow.SystemMessage(target),
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return err
	}

	request.Status = string(target)
	s.indexRequest(request)
	s.indexMessage(request, message)
	s.notifyStatusChange(request, target)
	return nil
}

// SubmitReview records a reviewer's verdict on a request in Peer Review.
// Both outcomes hand the request back to In Progress; the verdict itself
// lands in the thread.
func (s *Service) SubmitReview(ctx context.Context, sess Session, requestID, decision string) (map[string]any, error) {
	// The verdict lands in the thread before the status change, so the
	// transition permission has to be checked up front. Without it a client
	// could inject a verdict message and only then be refused.
	role := rbac.Normalize(sess.Role)
	if !rbac.Can(role, rbac.ActionTransition) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	var note string
	switch decision {
	case "approve":
		note = "Review outcome: approved"
	case "request_changes":
		note = "Review outcome: changes requested"
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision must be approve or request_changes", nil)
	}

	request, err := s.scopedRequest(ctx, sess, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != string(workflow.StatusPeerReview) {
		return nil, domainError(http.StatusConflict, "VALIDATION_ERROR", "request is not in Peer Review", map[string]any{
			"status": request.Status,
		})
	}

	message := store.Message{
		ID:        util.NewID("msg"),
		RequestID: requestID,
		UserID:    sess.UserID,
		Text:      note,
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	s.indexMessage(request, message)

	return s.ChangeStatus(ctx, sess, requestID, string(workflow.StatusInProgress))
}

// AssignReviewer sets or clears a request's reviewer. Assignment is an admin
// action; the target must hold the reviewer role.
func (s *Service) AssignReviewer(ctx context.Context, sess Session, requestID string, reviewerID *string) (map[string]any, error) {
	if err := s.assignReviewerOne(ctx, sess, requestID, reviewerID); err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, sess, requestID)
}

func (s *Service) assignReviewerOne(ctx context.Context, sess Session, requestID string, reviewerID *string) error {
	role := rbac.Normalize(sess.Role)
	if !rbac.Can(role, rbac.ActionAssign) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	request, err := s.scopedRequest(ctx, sess, requestID)
	if err != nil {
		return err
	}

	var reviewerEmail string
	if reviewerID != nil {
		reviewer, err := s.store.GetProfileByID(ctx, *reviewerID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reviewer not found", nil)
			}
			return err
		}
		if rbac.Normalize(reviewer.Role) != rbac.RoleReviewer {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignee must hold the reviewer role", nil)
		}
		reviewerEmail = reviewer.Email
	}

	updated, err := s.store.UpdateRequestReviewer(ctx, requestID, reviewerID)
	if err != nil {
		return err
	}
	if !updated {
		return sql.ErrNoRows
	}

	if reviewerEmail != "" {
		s.notifyAssignment(reviewerEmail, request)
	}
	return nil
}

// HandoffToReview is the admin triage shortcut: assign a reviewer and move
// the request to Peer Review in one call. The steps are not atomic; on
// failure the response reports how far the handoff got so the caller can
// retry the remainder.
func (s *Service) HandoffToReview(ctx context.Context, sess Session, requestID, reviewerID string) (map[string]any, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reviewerId is required", nil)
	}

	var completed []string
	fail := func(err error) (map[string]any, error) {
		status, code, message, _ := mapError(err)
		return nil, domainError(status, "HANDOFF_INCOMPLETE", "Handoff did not finish", map[string]any{
			"stepsCompleted": completed,
			"failedWith":     map[string]any{"code": code, "error": message},
		})
	}

	if err := s.assignReviewerOne(ctx, sess, requestID, &reviewerID); err != nil {
		return fail(err)
	}
	completed = append(completed, "assign_reviewer")

	if err := s.changeStatusOne(ctx, sess, requestID, string(workflow.StatusPeerReview)); err != nil {
		return fail(err)
	}
	completed = append(completed, "set_status")

	return s.GetRequest(ctx, sess, requestID)
}

// BulkFailure describes one request that a bulk operation could not update.
type BulkFailure struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

// BulkOutcome is the per-request report of a best-effort bulk operation.
type BulkOutcome struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkChangeStatus applies a status change to each request independently.
// A failure on one id never rolls back the others; partial results come back
// with a PARTIAL_FAILURE error carrying the full outcome.
func (s *Service) BulkChangeStatus(ctx context.Context, sess Session, requestIDs []string, to string) (BulkOutcome, error) {
	outcome := BulkOutcome{Succeeded: []string{}, Failed: []BulkFailure{}}
	if len(requestIDs) == 0 {
		return outcome, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ids are required", nil)
	}
	for _, requestID := range requestIDs {
		if err := s.changeStatusOne(ctx, sess, requestID, to); err != nil {
			outcome.Failed = append(outcome.Failed, bulkFailure(requestID, err))
			continue
		}
		outcome.Succeeded = append(outcome.Succeeded, requestID)
	}
	return outcome, bulkError(outcome)
}

// BulkAssignReviewer assigns a reviewer to each request independently, with
// the same partial-failure contract as BulkChangeStatus.
func (s *Service) BulkAssignReviewer(ctx context.Context, sess Session, requestIDs []string, reviewerID *string) (BulkOutcome, error) {
	outcome := BulkOutcome{Succeeded: []string{}, Failed: []BulkFailure{}}
	if len(requestIDs) == 0 {
		return outcome, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ids are required", nil)
	}
	for _, requestID := range requestIDs {
		if err := s.assignReviewerOne(ctx, sess, requestID, reviewerID); err != nil {
			outcome.Failed = append(outcome.Failed, bulkFailure(requestID, err))
			continue
		}
		outcome.Succeeded = append(outcome.Succeeded, requestID)
	}
	return outcome, bulkError(outcome)
}

func bulkFailure(requestID string, err error) BulkFailure {
	_, code, message, _ := mapError(err)
	return BulkFailure{ID: requestID, Code: code, Message: message}
}

func bulkError(outcome BulkOutcome) error {
	if len(outcome.Failed) == 0 {
		return nil
	}
	return domainError(http.StatusMultiStatus, "PARTIAL_FAILURE", "Some requests could not be updated", map[string]any{
		"succeeded": outcome.Succeeded,
		"failed":    outcome.Failed,
	})
}

// MarkViewed records that the viewer has seen the request thread as of now,
// resetting their unseen count.
func (s *Service) MarkViewed(ctx context.Context, sess Session, requestID string) error {
	if _, err := s.scopedRequest(ctx, sess, requestID); err != nil {
		return err
	}
	return s.store.UpsertViewMarker(ctx, sess.UserID, requestID)
}

// ListReviewers returns the reviewer pool for the assignment picker.
func (s *Service) ListReviewers(ctx context.Context, sess Session) ([]map[string]any, error) {
	if !rbac.Can(rbac.Normalize(sess.Role), rbac.ActionAssign) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	reviewers, err := s.store.ListReviewers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reviewers))
	for _, reviewer := range reviewers {
		items = append(items, map[string]any{
			"id":    reviewer.ID,
			"email": reviewer.Email,
		})
	}
	return items, nil
}

// ReportsSummary is the admin dashboard rollup: request totals by status and
// urgency plus the busiest clients.
func (s *Service) ReportsSummary(ctx context.Context, sess Session) (map[string]any, error) {
	if !rbac.Can(rbac.Normalize(sess.Role), rbac.ActionReports) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	totals, err := s.store.RequestTotals(ctx)
	if err != nil {
		return nil, err
	}
	byClient, err := s.store.CountRequestsByClient(ctx)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[string]int)
	urgent := 0
	total := 0
	totalItems := make([]map[string]any, 0, len(totals))
	for _, t := range totals {
		byStatus[t.Status] += t.Count
		if t.Urgency == string(workflow.UrgencyUrgent) {
			urgent += t.Count
		}
		total += t.Count
		totalItems = append(totalItems, map[string]any{
			"status":  t.Status,
			"urgency": t.Urgency,
			"count":   t.Count,
		})
	}

	clientItems := make([]map[string]any, 0, len(byClient))
	for _, c := range byClient {
		clientItems = append(clientItems, map[string]any{
			"email": c.Email,
			"count": c.Count,
		})
	}

	return map[string]any{
		"total":    total,
		"urgent":   urgent,
		"byStatus": byStatus,
		"totals":   totalItems,
		"byClient": clientItems,
	}, nil
}

// Search runs a full-text query scoped to the viewer's role.
func (s *Service) Search(ctx context.Context, sess Session, text, filterType string, limit, offset int) (search.Response, error) {
	role := rbac.Normalize(sess.Role)
	if !rbac.Can(role, rbac.ActionRead) {
		return search.Response{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
		ViewerID:   sess.UserID,
		ViewerRole: role,
	}), nil
}

func (s *Service) indexRequest(request store.Request) {
	if s.search == nil {
		return
	}
	s.search.IndexRequest(search.RequestRecord{
		ID:         request.ID,
		Title:      request.Title,
		Status:     request.Status,
		Urgency:    request.Urgency,
		ClientID:   request.ClientID,
		ReviewerID: reviewerIDOrEmpty(request),
	})
}

// indexMessage denormalizes the parent request's owners onto the message
// document so the search backends can filter hits by viewer.
func (s *Service) indexMessage(request store.Request, message store.Message) {
	if s.search == nil {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:         message.ID,
		Body:       message.Text,
		RequestID:  message.RequestID,
		IsInternal: message.IsInternal,
		ClientID:   request.ClientID,
		ReviewerID: reviewerIDOrEmpty(request),
	})
}

func reviewerIDOrEmpty(request store.Request) string {
	if request.ReviewerID == nil {
		return ""
	}
	return *request.ReviewerID
}

func (s *Service) notifyStatusChange(request store.Request, to workflow.Status) {
	if !s.SMTPConfigured() || request.ClientEmail == "" {
		return
	}
	go func() {
		url := s.cfg.AppURL + "/requests/" + request.ID
		if err := s.mail.SendStatusChangeEmail(request.ClientEmail, request.Title, string(to), url); err != nil {
			log.Printf("email: status change for %s: %v", request.ID, err)
		}
	}()
}

func (s *Service) notifyAssignment(reviewerEmail string, request store.Request) {
	if !s.SMTPConfigured() {
		return
	}
	go func() {
		url := s.cfg.AppURL + "/requests/" + request.ID
		if err := s.mail.SendAssignmentEmail(reviewerEmail, request.Title, url); err != nil {
			log.Printf("email: assignment for %s: %v", request.ID, err)
		}
	}()
}

func requestPayload(request store.Request) map[string]any {
	var reviewerID any
	if request.ReviewerID != nil {
		reviewerID = *request.ReviewerID
	}
	return map[string]any{
		"id":            request.ID,
		"title":         request.Title,
		"status":        request.Status,
		"urgency":       request.Urgency,
		"createdAt":     request.CreatedAt,
		"clientId":      request.ClientID,
		"clientEmail":   request.ClientEmail,
		"reviewerId":    reviewerID,
		"reviewerEmail": request.ReviewerEmail,
	}
}

func messagePayloads(messages []store.Message) []map[string]any {
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, map[string]any{
			"id":          message.ID,
			"requestId":   message.RequestID,
			"userId":      message.UserID,
			"text":        message.Text,
			"isInternal":  message.IsInternal,
			"createdAt":   message.CreatedAt,
			"authorEmail": message.AuthorEmail,
			"authorRole":  message.AuthorRole,
		})
	}
	return items
}
