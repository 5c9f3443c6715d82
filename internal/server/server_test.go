package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
)

const (
	testJWTSecret       = "test-jwt-secret"
	testHeartbeatSecret = "test-heartbeat-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, HeartbeatSecret: testHeartbeatSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func operatorToken(t *testing.T) string {
	t.Helper()
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   "operator",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeader(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + operatorToken(t)}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with operator token, got %d", res.StatusCode)
	}
}

func TestHeartbeatSecret(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/heartbeat", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", res.StatusCode)
	}
	// An operator JWT is not valid on the heartbeat route.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/heartbeat", nil, authHeader(t))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with jwt, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/heartbeat", nil, map[string]string{
		"Authorization": "Bearer " + testHeartbeatSecret,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with heartbeat secret, got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(data, &body); err != nil || !body.OK {
		t.Fatalf("unexpected heartbeat body: %v %s", err, string(data))
	}
}

func TestSubmitProposalStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"agent_id": "growth",
		"title":    "Investigate traffic dip",
		"steps":    []map[string]any{{"kind": "analyze", "title": "analyze"}},
	}, authHeader(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, string(data))
	}
	var submitted struct {
		Status   string          `json:"status"`
		Proposal domain.Proposal `json:"proposal"`
	}
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if submitted.Status != "pending" {
		t.Fatalf("expected pending, got %s", submitted.Status)
	}

	// Exhaust the tweet quota and expect a 422 with the rejection payload.
	now := time.Now().UTC().Format(time.RFC3339)
	if err := srv.Engine.Repo.UpsertPolicy(ctx, "x_daily_quota", `{"limit":0}`, now); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", map[string]any{
		"agent_id": "growth",
		"title":    "One more tweet",
		"steps":    []map[string]any{{"kind": "draft_tweet", "title": "draft"}},
	}, authHeader(t))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var rejected struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &rejected); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rejected.Status != "rejected" || rejected.Reason != "Tweet daily quota reached (0)" {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
}

func TestStepLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"agent_id": "growth",
		"title":    "Direct mission",
		"steps":    []map[string]any{{"kind": "crawl", "title": "crawl"}},
	}, authHeader(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mission: %d %s", res.StatusCode, string(data))
	}
	var detail struct {
		Mission domain.Mission `json:"mission"`
		Steps   []domain.Step  `json:"steps"`
	}
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	stepID := detail.Steps[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+stepID+"/claim", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+stepID+"/claim", nil, authHeader(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected claim conflict, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+stepID+"/report", map[string]any{
		"status": "succeeded",
	}, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/"+detail.Mission.ID, nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get mission: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if detail.Mission.Status != "succeeded" || detail.Mission.CompletedAt == nil {
		t.Fatalf("mission not finalized: %+v", detail.Mission)
	}
}

func TestApprovalDecideOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	if err := srv.Engine.Repo.InsertTweetDraft(ctx, domain.TweetDraft{
		ID:        "tw-1",
		AgentID:   "growth",
		Content:   "Ship it",
		Status:    "draft",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals", map[string]any{
		"title":             "Review tweet",
		"deliverable_type":  "tweet",
		"deliverable_table": "tweet_drafts",
		"deliverable_id":    "tw-1",
	}, authHeader(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create approval: %d %s", res.StatusCode, string(data))
	}
	var a domain.Approval
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/approvals/"+a.ID, map[string]any{
		"action": "approve",
	}, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}

	var status string
	row := srv.Engine.DB.QueryRowContext(ctx, `SELECT status FROM tweet_drafts WHERE id='tw-1'`)
	if err := row.Scan(&status); err != nil || status != "approved" {
		t.Fatalf("deliverable not updated: %v %s", err, status)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/approvals/"+a.ID, map[string]any{
		"action": "reject",
	}, authHeader(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double decide, got %d %s", res.StatusCode, string(data))
	}
}
