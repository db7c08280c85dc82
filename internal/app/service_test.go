package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"reqdesk/api/internal/config"
	"reqdesk/api/internal/rbac"
	"reqdesk/api/internal/session"
	"reqdesk/api/internal/store"
	"reqdesk/api/internal/workflow"
)

type fakeStore struct {
	getProfileByIDFn        func(context.Context, string) (store.Profile, error)
	listReviewersFn         func(context.Context) ([]store.Profile, error)
	listRequestsFn          func(context.Context) ([]store.Request, error)
	getRequestFn            func(context.Context, string) (store.Request, error)
	insertRequestFn         func(context.Context, store.Request) error
	updateRequestStatusFn   func(context.Context, string, string) (bool, error)
	updateRequestReviewerFn func(context.Context, string, *string) (bool, error)
	insertMessageFn         func(context.Context, store.Message) error
	listMessagesFn          func(context.Context, string) ([]store.Message, error)
	listMessageMetaFn       func(context.Context) (map[string][]store.MessageMeta, error)
	getViewMarkerFn         func(context.Context, string, string) (*time.Time, error)
	listViewMarkersFn       func(context.Context, string) (map[string]time.Time, error)
	upsertViewMarkerFn      func(context.Context, string, string) error
	requestTotalsFn         func(context.Context) ([]store.RequestTotal, error)
	countRequestsByClientFn func(context.Context) ([]store.ClientCount, error)
}

func (f *fakeStore) GetProfileByID(ctx context.Context, profileID string) (store.Profile, error) {
	if f.getProfileByIDFn != nil {
		return f.getProfileByIDFn(ctx, profileID)
	}
	return store.Profile{}, sql.ErrNoRows
}
func (f *fakeStore) ListReviewers(ctx context.Context) ([]store.Profile, error) {
	if f.listReviewersFn != nil {
		return f.listReviewersFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) ListRequests(ctx context.Context) ([]store.Request, error) {
	if f.listRequestsFn != nil {
		return f.listRequestsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetRequest(ctx context.Context, requestID string) (store.Request, error) {
	if f.getRequestFn != nil {
		return f.getRequestFn(ctx, requestID)
	}
	return store.Request{}, sql.ErrNoRows
}
func (f *fakeStore) InsertRequest(ctx context.Context, request store.Request) error {
	if f.insertRequestFn != nil {
		return f.insertRequestFn(ctx, request)
	}
	return nil
}
func (f *fakeStore) UpdateRequestStatus(ctx context.Context, requestID, status string) (bool, error) {
	if f.updateRequestStatusFn != nil {
		return f.updateRequestStatusFn(ctx, requestID, status)
	}
	return true, nil
}
func (f *fakeStore) UpdateRequestReviewer(ctx context.Context, requestID string, reviewerID *string) (bool, error) {
	if f.updateRequestReviewerFn != nil {
		return f.updateRequestReviewerFn(ctx, requestID, reviewerID)
	}
	return true, nil
}
func (f *fakeStore) InsertMessage(ctx context.Context, message store.Message) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, message)
	}
	return nil
}
func (f *fakeStore) ListMessages(ctx context.Context, requestID string) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, requestID)
	}
	return nil, nil
}
func (f *fakeStore) ListMessageMeta(ctx context.Context) (map[string][]store.MessageMeta, error) {
	if f.listMessageMetaFn != nil {
		return f.listMessageMetaFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetViewMarker(ctx context.Context, userID, requestID string) (*time.Time, error) {
	if f.getViewMarkerFn != nil {
		return f.getViewMarkerFn(ctx, userID, requestID)
	}
	return nil, nil
}
func (f *fakeStore) ListViewMarkers(ctx context.Context, userID string) (map[string]time.Time, error) {
	if f.listViewMarkersFn != nil {
		return f.listViewMarkersFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) UpsertViewMarker(ctx context.Context, userID, requestID string) error {
	if f.upsertViewMarkerFn != nil {
		return f.upsertViewMarkerFn(ctx, userID, requestID)
	}
	return nil
}
func (f *fakeStore) RequestTotals(ctx context.Context) ([]store.RequestTotal, error) {
	if f.requestTotalsFn != nil {
		return f.requestTotalsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) CountRequestsByClient(ctx context.Context) ([]store.ClientCount, error) {
	if f.countRequestsByClientFn != nil {
		return f.countRequestsByClientFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSessions struct {
	saved   map[string]session.TokenData
	revoked map[string]bool
	pingFn  func(context.Context) error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: map[string]session.TokenData{}, revoked: map[string]bool{}}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, data session.TokenData, _ time.Time) error {
	f.saved[tokenHash] = data
	return nil
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (session.TokenData, error) {
	if data, ok := f.saved[tokenHash]; ok {
		return data, nil
	}
	return session.TokenData{}, session.ErrSessionNotFound
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	return nil
}
func (f *fakeSessions) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.revoked[jti] = true
	return nil
}
func (f *fakeSessions) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revoked[jti], nil
}
func (f *fakeSessions) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRoles struct {
	roleFn func(string) (rbac.Role, error)
}

func (f *fakeRoles) ResolveRole(_ context.Context, profileID string) (rbac.Role, error) {
	if f.roleFn != nil {
		return f.roleFn(profileID)
	}
	return rbac.RoleClient, nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		sessions: newFakeSessions(),
		roles:    &fakeRoles{},
		policy:   workflow.DefaultPolicy(),
	}
}

func clientSession() Session {
	return Session{UserID: "usr_client", Email: "client@example.com", Role: "client"}
}

func reviewerSession() Session {
	return Session{UserID: "usr_rev", Email: "rev@example.com", Role: "reviewer"}
}

func adminSession() Session {
	return Session{UserID: "usr_admin", Email: "admin@example.com", Role: "admin"}
}

func domainCode(t *testing.T, err error) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr
}

func strPtr(s string) *string { return &s }

func TestCreateRequestForcesNewStatusAndSeedsThread(t *testing.T) {
	var insertedRequest store.Request
	var insertedMessage store.Message
	fs := &fakeStore{
		insertRequestFn: func(_ context.Context, request store.Request) error {
			insertedRequest = request
			return nil
		},
		insertMessageFn: func(_ context.Context, message store.Message) error {
			insertedMessage = message
			return nil
		},
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			if requestID == insertedRequest.ID {
				return insertedRequest, nil
			}
			return store.Request{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateRequest(context.Background(), clientSession(), "New hero image", "Swap the hero for the fall campaign", "")
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	if insertedRequest.Status != "New" {
		t.Errorf("expected status New, got %q", insertedRequest.Status)
	}
	if insertedRequest.Urgency != "Normal" {
		t.Errorf("expected default urgency Normal, got %q", insertedRequest.Urgency)
	}
	if insertedRequest.ClientID != "usr_client" {
		t.Errorf("expected client id usr_client, got %q", insertedRequest.ClientID)
	}
	if insertedMessage.RequestID != insertedRequest.ID {
		t.Errorf("first message belongs to %q, want %q", insertedMessage.RequestID, insertedRequest.ID)
	}
	if insertedMessage.Text != "Swap the hero for the fall campaign" {
		t.Errorf("expected description as first message, got %q", insertedMessage.Text)
	}
	if insertedMessage.IsInternal {
		t.Error("the seeded message must not be internal")
	}
	if payload["status"] != "New" {
		t.Errorf("payload status = %v, want New", payload["status"])
	}
}

func TestCreateRequestWithoutDescriptionLeavesThreadEmpty(t *testing.T) {
	var insertedRequest store.Request
	var messageInserts int
	fs := &fakeStore{
		insertRequestFn: func(_ context.Context, request store.Request) error {
			insertedRequest = request
			return nil
		},
		insertMessageFn: func(context.Context, store.Message) error {
			messageInserts++
			return nil
		},
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			if requestID == insertedRequest.ID {
				return insertedRequest, nil
			}
			return store.Request{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateRequest(context.Background(), clientSession(), "Fix header", "", "Urgent")
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	if messageInserts != 0 {
		t.Fatalf("expected empty thread, got %d message inserts", messageInserts)
	}
	if payload["status"] != "New" || payload["urgency"] != "Urgent" {
		t.Fatalf("payload = %v", payload)
	}
	if len(payload["messages"].([]map[string]any)) != 0 {
		t.Fatal("expected no messages")
	}
}

func TestCreateRequestValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	sess := clientSession()

	tests := []struct {
		name        string
		title       string
		description string
		urgency     string
	}{
		{name: "missing title", description: "something"},
		{name: "unknown urgency", title: "t", description: "d", urgency: "Critical"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateRequest(context.Background(), sess, tt.title, tt.description, tt.urgency)
			if domainCode(t, err).Code != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestClientCannotPostInternalNote(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.AddMessage(context.Background(), clientSession(), "req_1", "secret", true)
	domainErr := domainCode(t, err)
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	// Staff may still post internal notes on requests in their scope.
	if _, err := svc.AddMessage(context.Background(), adminSession(), "req_1", "secret", true); err != nil {
		t.Fatalf("admin internal note failed: %v", err)
	}
}

func TestChangeStatusEnforcesTransitionPolicy(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", ReviewerID: strPtr("usr_rev"), Status: "New"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ChangeStatus(context.Background(), reviewerSession(), "req_1", "Complete")
	domainErr := domainCode(t, err)
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	details, ok := domainErr.Details.(map[string]any)
	if !ok || details["from"] != "New" || details["to"] != "Complete" {
		t.Fatalf("expected denial details with from/to, got %v", domainErr.Details)
	}
}

func TestChangeStatusAppendsSystemMessage(t *testing.T) {
	var systemMessages []store.Message
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", ReviewerID: strPtr("usr_rev"), Status: "Peer Review"}, nil
		},
		insertMessageFn: func(_ context.Context, message store.Message) error {
			systemMessages = append(systemMessages, message)
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ChangeStatus(context.Background(), reviewerSession(), "req_1", "In Progress"); err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	if len(systemMessages) != 1 {
		t.Fatalf("expected 1 system message, got %d", len(systemMessages))
	}
	if systemMessages[0].Text != "Status updated to: In Progress" {
		t.Errorf("system message = %q", systemMessages[0].Text)
	}
}

func TestChangeStatusRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.ChangeStatus(context.Background(), adminSession(), "req_1", "Done")
	if domainCode(t, err).Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestGetRequestHidesOutOfScopeRequests(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_other", Status: "New"}, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.GetRequest(context.Background(), clientSession(), "req_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("client must not see another client's request, got %v", err)
	}
	if _, err := svc.GetRequest(context.Background(), reviewerSession(), "req_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("unassigned reviewer must not see the request, got %v", err)
	}
	if _, err := svc.GetRequest(context.Background(), adminSession(), "req_1"); err != nil {
		t.Fatalf("admin must see every request, got %v", err)
	}
}

func TestGetRequestMarksViewed(t *testing.T) {
	var marked []string
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
		upsertViewMarkerFn: func(_ context.Context, userID, requestID string) error {
			marked = append(marked, userID+":"+requestID)
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.GetRequest(context.Background(), clientSession(), "req_1"); err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if len(marked) != 1 || marked[0] != "usr_client:req_1" {
		t.Fatalf("marked = %v", marked)
	}
}

func TestGetRequestSurvivesViewMarkerWriteFailure(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
		listMessagesFn: func(_ context.Context, requestID string) ([]store.Message, error) {
			return []store.Message{{ID: "msg_1", RequestID: requestID, Text: "hi"}}, nil
		},
		upsertViewMarkerFn: func(context.Context, string, string) error {
			return errors.New("write timeout")
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetRequest(context.Background(), clientSession(), "req_1")
	if err != nil {
		t.Fatalf("a failed marker write must not fail the read, got %v", err)
	}
	if len(payload["messages"].([]map[string]any)) != 1 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestGetRequestFiltersInternalNotesForClients(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "In Progress"}, nil
		},
		listMessagesFn: func(_ context.Context, requestID string) ([]store.Message, error) {
			return []store.Message{
				{ID: "msg_1", RequestID: requestID, Text: "public"},
				{ID: "msg_2", RequestID: requestID, Text: "internal", IsInternal: true},
				{ID: "msg_3", RequestID: requestID, Text: "also public"},
			}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetRequest(context.Background(), clientSession(), "req_1")
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	messages := payload["messages"].([]map[string]any)
	if len(messages) != 2 {
		t.Fatalf("expected 2 visible messages, got %d", len(messages))
	}
	if messages[0]["id"] != "msg_1" || messages[1]["id"] != "msg_3" {
		t.Errorf("unexpected visible messages: %v", messages)
	}

	payload, err = svc.GetRequest(context.Background(), adminSession(), "req_1")
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if len(payload["messages"].([]map[string]any)) != 3 {
		t.Error("staff should see internal notes")
	}
}

func TestListRequestsScopesAndCountsUnseen(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	marker := base.Add(1 * time.Hour)
	fs := &fakeStore{
		listRequestsFn: func(context.Context) ([]store.Request, error) {
			return []store.Request{
				{ID: "req_mine", ClientID: "usr_client", Status: "New", Urgency: "Normal", CreatedAt: base},
				{ID: "req_other", ClientID: "usr_other", Status: "New", Urgency: "Normal", CreatedAt: base},
			}, nil
		},
		listMessageMetaFn: func(context.Context) (map[string][]store.MessageMeta, error) {
			return map[string][]store.MessageMeta{
				"req_mine": {
					// One seen, one unseen, one internal note hidden from clients.
					{RequestID: "req_mine", CreatedAt: base},
					{RequestID: "req_mine", CreatedAt: marker.Add(5 * time.Minute)},
					{RequestID: "req_mine", CreatedAt: marker.Add(time.Minute), IsInternal: true},
				},
			}, nil
		},
		listViewMarkersFn: func(_ context.Context, userID string) (map[string]time.Time, error) {
			return map[string]time.Time{"req_mine": marker}, nil
		},
	}
	svc := newTestService(fs)

	items, err := svc.ListRequests(context.Background(), clientSession(), SortDateDesc)
	if err != nil {
		t.Fatalf("ListRequests() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected only the client's own request, got %d items", len(items))
	}
	if items[0]["id"] != "req_mine" {
		t.Fatalf("unexpected item %v", items[0])
	}
	if items[0]["messageCount"] != 2 {
		t.Errorf("messageCount = %v, want 2 (internal note hidden)", items[0]["messageCount"])
	}
	if items[0]["unseenCount"] != 1 {
		t.Errorf("unseenCount = %v, want 1", items[0]["unseenCount"])
	}
}

func TestListRequestsUrgencySortKeepsRecencyWithinBands(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		listRequestsFn: func(context.Context) ([]store.Request, error) {
			// Store order is newest first.
			return []store.Request{
				{ID: "req_new_normal", ClientID: "c", Urgency: "Normal", CreatedAt: base.Add(3 * time.Hour)},
				{ID: "req_new_urgent", ClientID: "c", Urgency: "Urgent", CreatedAt: base.Add(2 * time.Hour)},
				{ID: "req_old_urgent", ClientID: "c", Urgency: "Urgent", CreatedAt: base.Add(time.Hour)},
				{ID: "req_old_normal", ClientID: "c", Urgency: "Normal", CreatedAt: base},
			}, nil
		},
	}
	svc := newTestService(fs)

	items, err := svc.ListRequests(context.Background(), adminSession(), SortUrgency)
	if err != nil {
		t.Fatalf("ListRequests() error = %v", err)
	}
	got := make([]string, 0, len(items))
	for _, item := range items {
		got = append(got, item["id"].(string))
	}
	want := []string{"req_new_urgent", "req_old_urgent", "req_new_normal", "req_old_normal"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSubmitReviewRequiresPeerReview(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", ReviewerID: strPtr("usr_rev"), Status: "In Progress"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SubmitReview(context.Background(), reviewerSession(), "req_1", "approve")
	domainErr := domainCode(t, err)
	if domainErr.Code != "VALIDATION_ERROR" || domainErr.Status != 409 {
		t.Fatalf("expected 409 VALIDATION_ERROR, got %v", err)
	}

	_, err = svc.SubmitReview(context.Background(), reviewerSession(), "req_1", "ship_it")
	if domainCode(t, err).Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for unknown decision, got %v", err)
	}
}

func TestSubmitReviewRejectsClientsBeforeWriting(t *testing.T) {
	var messageInserts int
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", ReviewerID: strPtr("usr_rev"), Status: "Peer Review"}, nil
		},
		insertMessageFn: func(context.Context, store.Message) error {
			messageInserts++
			return nil
		},
	}
	svc := newTestService(fs)

	// The request is the client's own and sits in Peer Review, so only the
	// permission check stands between the client and the verdict insert.
	_, err := svc.SubmitReview(context.Background(), clientSession(), "req_1", "approve")
	if domainCode(t, err).Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if messageInserts != 0 {
		t.Fatalf("verdict must not land in the thread for a forbidden caller, got %d inserts", messageInserts)
	}
}

func TestSubmitReviewHandsBackToInProgress(t *testing.T) {
	var messages []store.Message
	var statusUpdates []string
	status := "Peer Review"
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", ReviewerID: strPtr("usr_rev"), Status: status}, nil
		},
		insertMessageFn: func(_ context.Context, message store.Message) error {
			messages = append(messages, message)
			return nil
		},
		updateRequestStatusFn: func(_ context.Context, _, newStatus string) (bool, error) {
			statusUpdates = append(statusUpdates, newStatus)
			status = newStatus
			return true, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.SubmitReview(context.Background(), reviewerSession(), "req_1", "request_changes"); err != nil {
		t.Fatalf("SubmitReview() error = %v", err)
	}
	if len(statusUpdates) != 1 || statusUpdates[0] != "In Progress" {
		t.Fatalf("expected one update to In Progress, got %v", statusUpdates)
	}
	if len(messages) != 2 {
		t.Fatalf("expected verdict plus system message, got %d messages", len(messages))
	}
	if messages[0].Text != "Review outcome: changes requested" {
		t.Errorf("verdict message = %q", messages[0].Text)
	}
	if messages[1].Text != "Status updated to: In Progress" {
		t.Errorf("system message = %q", messages[1].Text)
	}
}

func TestAssignReviewerValidatesTarget(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
		getProfileByIDFn: func(_ context.Context, profileID string) (store.Profile, error) {
			if profileID == "usr_rev" {
				return store.Profile{ID: profileID, Email: "rev@example.com", Role: "reviewer"}, nil
			}
			if profileID == "usr_client2" {
				return store.Profile{ID: profileID, Email: "c2@example.com", Role: "client"}, nil
			}
			return store.Profile{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	if _, err := svc.AssignReviewer(context.Background(), adminSession(), "req_1", strPtr("usr_rev")); err != nil {
		t.Fatalf("assigning a reviewer failed: %v", err)
	}

	_, err := svc.AssignReviewer(context.Background(), adminSession(), "req_1", strPtr("usr_client2"))
	if domainCode(t, err).Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for non-reviewer assignee, got %v", err)
	}

	_, err = svc.AssignReviewer(context.Background(), adminSession(), "req_1", strPtr("usr_ghost"))
	if domainCode(t, err).Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for unknown assignee, got %v", err)
	}

	_, err = svc.AssignReviewer(context.Background(), reviewerSession(), "req_1", strPtr("usr_rev"))
	if domainCode(t, err).Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for non-admin caller, got %v", err)
	}
}

func TestBulkChangeStatusReportsPartialFailure(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			if requestID == "req_missing" {
				return store.Request{}, sql.ErrNoRows
			}
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
	}
	svc := newTestService(fs)

	outcome, err := svc.BulkChangeStatus(context.Background(), adminSession(), []string{"req_1", "req_missing", "req_2"}, "In Progress")
	domainErr := domainCode(t, err)
	if domainErr.Code != "PARTIAL_FAILURE" || domainErr.Status != 207 {
		t.Fatalf("expected 207 PARTIAL_FAILURE, got %v", err)
	}
	if len(outcome.Succeeded) != 2 || outcome.Succeeded[0] != "req_1" || outcome.Succeeded[1] != "req_2" {
		t.Fatalf("succeeded = %v", outcome.Succeeded)
	}
	if len(outcome.Failed) != 1 || outcome.Failed[0].ID != "req_missing" || outcome.Failed[0].Code != "NOT_FOUND" {
		t.Fatalf("failed = %v", outcome.Failed)
	}
}

func TestBulkChangeStatusAllSucceedReturnsNoError(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
	}
	svc := newTestService(fs)

	outcome, err := svc.BulkChangeStatus(context.Background(), adminSession(), []string{"req_1", "req_2"}, "In Progress")
	if err != nil {
		t.Fatalf("BulkChangeStatus() error = %v", err)
	}
	if len(outcome.Succeeded) != 2 || len(outcome.Failed) != 0 {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestBulkAssignReviewerReportsPartialFailure(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			if requestID == "req_missing" {
				return store.Request{}, sql.ErrNoRows
			}
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
		getProfileByIDFn: func(_ context.Context, profileID string) (store.Profile, error) {
			return store.Profile{ID: profileID, Email: "rev@example.com", Role: "reviewer"}, nil
		},
	}
	svc := newTestService(fs)

	outcome, err := svc.BulkAssignReviewer(context.Background(), adminSession(), []string{"req_1", "req_2", "req_missing"}, strPtr("usr_rev"))
	if domainCode(t, err).Code != "PARTIAL_FAILURE" {
		t.Fatalf("expected PARTIAL_FAILURE, got %v", err)
	}
	if len(outcome.Succeeded) != 2 {
		t.Fatalf("succeeded = %v", outcome.Succeeded)
	}
	if len(outcome.Failed) != 1 || outcome.Failed[0].ID != "req_missing" || outcome.Failed[0].Code != "NOT_FOUND" {
		t.Fatalf("failed = %v", outcome.Failed)
	}
}

func TestBulkOperationsRequireIDs(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.BulkChangeStatus(context.Background(), adminSession(), nil, "In Progress")
	if domainCode(t, err).Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	_, err = svc.BulkAssignReviewer(context.Background(), adminSession(), nil, strPtr("usr_rev"))
	if domainCode(t, err).Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestHandoffReportsCompletedSteps(t *testing.T) {
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
		getProfileByIDFn: func(_ context.Context, profileID string) (store.Profile, error) {
			return store.Profile{ID: profileID, Email: "rev@example.com", Role: "reviewer"}, nil
		},
		updateRequestStatusFn: func(context.Context, string, string) (bool, error) {
			return false, errors.New("write timeout")
		},
	}
	svc := newTestService(fs)

	_, err := svc.HandoffToReview(context.Background(), adminSession(), "req_1", "usr_rev")
	domainErr := domainCode(t, err)
	if domainErr.Code != "HANDOFF_INCOMPLETE" {
		t.Fatalf("expected HANDOFF_INCOMPLETE, got %v", err)
	}
	details := domainErr.Details.(map[string]any)
	completed := details["stepsCompleted"].([]string)
	if len(completed) != 1 || completed[0] != "assign_reviewer" {
		t.Fatalf("stepsCompleted = %v", completed)
	}
}

func TestHandoffHappyPathMovesToPeerReview(t *testing.T) {
	var statusUpdates []string
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_client", Status: "New"}, nil
		},
		getProfileByIDFn: func(_ context.Context, profileID string) (store.Profile, error) {
			return store.Profile{ID: profileID, Email: "rev@example.com", Role: "reviewer"}, nil
		},
		updateRequestStatusFn: func(_ context.Context, _, status string) (bool, error) {
			statusUpdates = append(statusUpdates, status)
			return true, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.HandoffToReview(context.Background(), adminSession(), "req_1", "usr_rev"); err != nil {
		t.Fatalf("HandoffToReview() error = %v", err)
	}
	if len(statusUpdates) != 1 || statusUpdates[0] != "Peer Review" {
		t.Fatalf("status updates = %v", statusUpdates)
	}

	_, err := svc.HandoffToReview(context.Background(), adminSession(), "req_1", "  ")
	if domainCode(t, err).Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for blank reviewer, got %v", err)
	}
}

func TestMarkViewedEnforcesScope(t *testing.T) {
	var marked []string
	fs := &fakeStore{
		getRequestFn: func(_ context.Context, requestID string) (store.Request, error) {
			return store.Request{ID: requestID, ClientID: "usr_other", Status: "New"}, nil
		},
		upsertViewMarkerFn: func(_ context.Context, userID, requestID string) error {
			marked = append(marked, userID+":"+requestID)
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.MarkViewed(context.Background(), clientSession(), "req_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected not found for out-of-scope request, got %v", err)
	}
	if len(marked) != 0 {
		t.Fatal("marker must not be written for out-of-scope requests")
	}

	if err := svc.MarkViewed(context.Background(), adminSession(), "req_1"); err != nil {
		t.Fatalf("MarkViewed() error = %v", err)
	}
	if len(marked) != 1 || marked[0] != "usr_admin:req_1" {
		t.Fatalf("marked = %v", marked)
	}
}

func TestReportsSummaryIsAdminOnly(t *testing.T) {
	fs := &fakeStore{
		requestTotalsFn: func(context.Context) ([]store.RequestTotal, error) {
			return []store.RequestTotal{
				{Status: "New", Urgency: "Normal", Count: 3},
				{Status: "New", Urgency: "Urgent", Count: 2},
				{Status: "Complete", Urgency: "Normal", Count: 4},
			}, nil
		},
		countRequestsByClientFn: func(context.Context) ([]store.ClientCount, error) {
			return []store.ClientCount{{Email: "client@example.com", Count: 5}}, nil
		},
	}
	svc := newTestService(fs)

	for _, sess := range []Session{clientSession(), reviewerSession()} {
		if _, err := svc.ReportsSummary(context.Background(), sess); domainCode(t, err).Code != "FORBIDDEN" {
			t.Fatalf("expected FORBIDDEN for %s, got %v", sess.Role, err)
		}
	}

	summary, err := svc.ReportsSummary(context.Background(), adminSession())
	if err != nil {
		t.Fatalf("ReportsSummary() error = %v", err)
	}
	if summary["total"] != 9 {
		t.Errorf("total = %v, want 9", summary["total"])
	}
	if summary["urgent"] != 2 {
		t.Errorf("urgent = %v, want 2", summary["urgent"])
	}
	byStatus := summary["byStatus"].(map[string]int)
	if byStatus["New"] != 5 || byStatus["Complete"] != 4 {
		t.Errorf("byStatus = %v", byStatus)
	}
}

func TestSessionLifecycle(t *testing.T) {
	fs := &fakeStore{
		getProfileByIDFn: func(_ context.Context, profileID string) (store.Profile, error) {
			return store.Profile{ID: profileID, Email: "client@example.com", Role: "client"}, nil
		},
	}
	svc := newTestService(fs)

	sess, err := svc.CreateSession(context.Background(), "usr_client")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.Role != "client" {
		t.Fatalf("role = %q, want client", sess.Role)
	}

	parsed, err := svc.SessionFromToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserID != "usr_client" || parsed.Email != "client@example.com" {
		t.Fatalf("parsed session = %+v", parsed)
	}

	refreshed, err := svc.Refresh(context.Background(), sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.UserID != "usr_client" {
		t.Fatalf("refreshed session = %+v", refreshed)
	}

	// The old refresh token is single-use.
	if _, err := svc.Refresh(context.Background(), sess.RefreshToken); err == nil {
		t.Fatal("expected error reusing a refresh token")
	}

	if err := svc.Logout(context.Background(), refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), refreshed.Token); err == nil {
		t.Fatal("expected revoked access token to be rejected")
	}
}

func TestSessionFromTokenReadsRoleFromStorage(t *testing.T) {
	fs := &fakeStore{
		getProfileByIDFn: func(_ context.Context, profileID string) (store.Profile, error) {
			return store.Profile{ID: profileID, Email: "admin@example.com", Role: "admin"}, nil
		},
	}
	svc := newTestService(fs)
	role := rbac.RoleAdmin
	svc.roles = &fakeRoles{roleFn: func(string) (rbac.Role, error) {
		return role, nil
	}}

	sess, err := svc.CreateSession(context.Background(), "usr_admin")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.Role != "admin" {
		t.Fatalf("role = %q, want admin", sess.Role)
	}

	// Demote after the token was issued. The next request sees the new role.
	role = rbac.RoleClient
	parsed, err := svc.SessionFromToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.Role != "client" {
		t.Fatalf("role = %q, want client after demotion", parsed.Role)
	}
}
