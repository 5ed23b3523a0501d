package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/audit"
	"jobflow/internal/db"
	"jobflow/internal/domain"
	"jobflow/internal/engine"
	"jobflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Trail  *audit.Trail
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	trail := audit.NewTrail(audit.Writer{DB: conn}, nil)
	e, err := engine.New(conn, engine.Options{Audit: trail})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.EnsureRules(ctx, "tester"))
	_, err = e.UpsertPersonnel(ctx, engine.PersonnelOptions{ID: "p1", DisplayName: "Ana", ActorID: "tester"})
	require.NoError(t, err)

	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		_ = trail.Close(context.Background())
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/v1", Engine: e, Trail: trail, client: &http.Client{Timeout: 10 * time.Second}}
}

func token(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, actor, roles, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	return decode[errorEnvelope](t, data).Error.Code
}

func (s *testServer) createJob(t *testing.T, code, status string) domain.Job {
	t.Helper()
	st, data := s.do(t, http.MethodPost, "/jobs", map[string]any{"code": code, "status": status}, token(t, "admin", "ADMIN"))
	require.Equal(t, http.StatusCreated, st, string(data))
	return decode[domain.Job](t, data)
}

func TestHealthIsPublicAndRestIsNot(t *testing.T) {
	s := newTestServer(t)
	st, _ := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, st)

	st, data := s.do(t, http.MethodGet, "/statuses", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, st)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	st, data = s.do(t, http.MethodGet, "/statuses", nil, map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, st)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	st, data = s.do(t, http.MethodGet, "/statuses", nil, token(t, "tech", "TECHNICIAN"))
	require.Equal(t, http.StatusOK, st)
	statuses := decode[[]domain.Status](t, data)
	assert.Equal(t, "APPOINTMENT", statuses[0].Key)
}

func TestTransitionFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t, "H-1", "APPOINTMENT")
	coord := token(t, "coord-1", "COORDINATOR")

	st, data := s.do(t, http.MethodGet, "/jobs/"+job.ID+"/transitions", nil, coord)
	require.Equal(t, http.StatusOK, st, string(data))
	legal := decode[LegalTransitionsResponse](t, data)
	assert.Equal(t, "COORDINATOR", legal.Role)
	var keys []string
	for _, v := range legal.Transitions {
		keys = append(keys, v.ToStatus.Key)
	}
	assert.Equal(t, []string{"RECEIVED", "IN_PROGRESS", "CANCELLED"}, keys)

	st, data = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/transitions", map[string]any{"to_status": "CANCELLED"}, coord)
	assert.Equal(t, http.StatusUnprocessableEntity, st)
	assert.Equal(t, engine.ReasonNoteRequired, errorCode(t, data))

	st, data = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/transitions", map[string]any{"to_status": "DELIVERED"}, coord)
	assert.Equal(t, http.StatusUnprocessableEntity, st)
	assert.Equal(t, engine.ReasonNoSuchTransition, errorCode(t, data))

	st, data = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/transitions", map[string]any{"to_status": "IN_PROGRESS", "expected_version": 1}, coord)
	require.Equal(t, http.StatusOK, st, string(data))
	res := decode[engine.CommitResult](t, data)
	assert.Equal(t, "IN_PROGRESS", res.NewStatusKey)
	assert.Equal(t, int64(2), res.Version)

	st, data = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/transitions", map[string]any{"to_status": "WAITING_PARTS", "note": "pump", "expected_version": 1}, coord)
	assert.Equal(t, http.StatusConflict, st)
	assert.Equal(t, "concurrency_conflict", errorCode(t, data))

	st, data = s.do(t, http.MethodGet, "/jobs/"+job.ID+"/history", nil, coord)
	require.Equal(t, http.StatusOK, st)
	assert.Len(t, decode[[]domain.StatusHistoryEntry](t, data), 2)

	st, data = s.do(t, http.MethodGet, "/jobs/missing", nil, coord)
	assert.Equal(t, http.StatusNotFound, st)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestActingRoleMustBeHeld(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t, "H-2", "APPOINTMENT")

	st, data := s.do(t, http.MethodPost, "/jobs/"+job.ID+"/transitions", map[string]any{"to_status": "IN_PROGRESS", "role": "ADMIN"}, token(t, "tech", "TECHNICIAN"))
	assert.Equal(t, http.StatusForbidden, st)
	assert.Equal(t, "forbidden", errorCode(t, data))

	multi := token(t, "boss", "ADMIN", "COORDINATOR")
	st, _ = s.do(t, http.MethodGet, "/jobs/"+job.ID+"/transitions", nil, multi)
	assert.Equal(t, http.StatusBadRequest, st)
	st, _ = s.do(t, http.MethodGet, "/jobs/"+job.ID+"/transitions?role=ADMIN", nil, multi)
	assert.Equal(t, http.StatusOK, st)
}

func TestEvaluationsAndLeaderboardOverHTTP(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t, "H-3", "IN_PROGRESS")
	coord := token(t, "coord-1", "COORDINATOR")

	payload := map[string]any{
		"month": 5, "year": 2024,
		"entries": []map[string]any{{"personnel_id": "p1", "scores": map[string]any{"quality": map[string]any{"score": 5}, "satisfaction": map[string]any{"score": 4}}}},
	}
	st, data := s.do(t, http.MethodPost, "/jobs/"+job.ID+"/evaluations", payload, token(t, "tech", "TECHNICIAN"))
	assert.Equal(t, http.StatusForbidden, st)

	st, data = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/evaluations", payload, coord)
	require.Equal(t, http.StatusOK, st, string(data))
	res := decode[engine.SubmitResult](t, data)
	require.Len(t, res.Evaluations, 1)
	assert.Equal(t, "coord-1", res.Evaluations[0].EvaluatorID)

	st, data = s.do(t, http.MethodGet, "/leaderboard?month=5&year=2024", nil, coord)
	require.Equal(t, http.StatusOK, st, string(data))
	board := decode[domain.Leaderboard](t, data)
	require.Len(t, board.Entries, 1)
	assert.Equal(t, "Ana", board.Entries[0].DisplayName)
	assert.InDelta(t, 4.67, board.Entries[0].TotalScore, 1e-9)
	assert.Equal(t, domain.Stars{Filled: 4, Half: true}, board.Entries[0].Stars)

	st, data = s.do(t, http.MethodGet, "/leaderboard?month=13&year=2024", nil, coord)
	assert.Equal(t, http.StatusBadRequest, st, string(data))

	payload["entries"] = []map[string]any{{"personnel_id": "p1", "scores": map[string]any{"quality": map[string]any{"score": 9}}}}
	st, data = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/evaluations", payload, coord)
	assert.Equal(t, http.StatusBadRequest, st)
	assert.Equal(t, "validation_error", errorCode(t, data))
}

func TestAPIKeyAuthentication(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t, "H-4", "RECEIVED")
	_, plain, err := s.Engine.CreateAPIKey(context.Background(), engine.APIKeyOptions{ActorID: "kiosk", Role: "TECHNICIAN", CreatedBy: "admin"})
	require.NoError(t, err)

	st, data := s.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, st)
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "kiosk", me.ActorID)
	assert.Equal(t, []string{"TECHNICIAN"}, me.Roles)

	st, data = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/transitions", map[string]any{"to_status": "IN_PROGRESS"}, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, st, string(data))

	st, _ = s.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": "jf_nope"})
	assert.Equal(t, http.StatusUnauthorized, st)
}

func TestAuditRequiresAdminAndCarriesOrigin(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t, "H-5", "APPOINTMENT")
	require.NoError(t, s.Trail.Flush(context.Background()))

	st, _ := s.do(t, http.MethodGet, "/audit?entity=job", nil, token(t, "coord", "COORDINATOR"))
	assert.Equal(t, http.StatusForbidden, st)

	st, data := s.do(t, http.MethodGet, "/audit?entity=job&entity_id="+job.ID, nil, token(t, "admin", "ADMIN"))
	require.Equal(t, http.StatusOK, st, string(data))
	page := decode[paginatedAudit](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, audit.ActionCreate, page.Items[0].Action)
	assert.Equal(t, "http", page.Items[0].Origin["transport"])
	assert.NotEmpty(t, page.Items[0].Origin["request_id"])
}

func TestDevLoginAndReload(t *testing.T) {
	s := newTestServer(t)
	st, data := s.do(t, http.MethodPost, "/auth/dev/login", map[string]any{"actor_id": "ops", "roles": []string{"ADMIN"}}, nil)
	require.Equal(t, http.StatusOK, st, string(data))
	tok := decode[DevLoginResponse](t, data).Token

	st, data = s.do(t, http.MethodPost, "/rules/reload", nil, map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, st, string(data))
	assert.Equal(t, 8, decode[RulesReloadResponse](t, data).Statuses)

	st, _ = s.do(t, http.MethodPost, "/rules/reload", nil, token(t, "coord", "COORDINATOR"))
	assert.Equal(t, http.StatusForbidden, st)
}

func TestInternalErrorsKeepCauseOutOfBody(t *testing.T) {
	s := newTestServer(t)
	job := s.createJob(t, "H-6", "APPOINTMENT")
	require.NoError(t, s.Trail.Flush(context.Background()))
	require.NoError(t, s.Engine.DB.Close())

	st, data := s.do(t, http.MethodGet, "/jobs/"+job.ID, nil, token(t, "coord", "COORDINATOR"))
	require.Equal(t, http.StatusInternalServerError, st, string(data))
	assert.NotContains(t, string(data), "closed")
	assert.NotContains(t, string(data), "details")
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "internal_error", env.Error.Code)
	assert.Equal(t, "internal error", env.Error.Message)

	slot := &internalErr{}
	ctx := context.WithValue(context.Background(), internalErrKey{}, slot)
	cause := errors.New("disk I/O error")
	handleError(ctx, cause)
	assert.Same(t, cause, slot.err)
}
