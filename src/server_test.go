// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forensicworker/src/analyzer"
	"forensicworker/src/artifact"
	"forensicworker/src/auth"
	"forensicworker/src/broadcast"
	"forensicworker/src/config"
	"forensicworker/src/dispatcher"
	"forensicworker/src/logging"
	"forensicworker/src/model"
	"forensicworker/src/processor"
	"forensicworker/src/store"
)

type apiFixture struct {
	srv    *httptest.Server
	tokens *auth.Tokens
	store  *store.MemoryStore
	pool   *processor.Pool
}

// newAPIFixture wires the full stack with the memory store. Workers are only
// started when start is set so tests can observe PENDING tasks.
func newAPIFixture(t *testing.T, start bool) *apiFixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello, evidence"), 0o644))

	st := store.NewMemoryStore()
	resolver := &artifact.DefaultResolver{Root: root}
	b := broadcast.New()
	stats := logging.NewWorkerStats("api-test")
	registry := analyzer.NewRegistry(analyzer.DocumentAnalyzer{})
	pool := processor.NewPool(st, registry, resolver, b, stats, processor.Options{
		WorkerID:     "api-test",
		Workers:      1,
		// Claims are driven by Wake so the PENDING event is always first.
		PollInterval: time.Hour,
	})
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		pool.Start(ctx)
		t.Cleanup(func() { cancel(); pool.Wait() })
	}

	d := dispatcher.New(st, resolver, pool, b, dispatcher.Options{
		Limits: map[model.AnalysisType]config.Limits{
			model.AnalysisDocument: {Enabled: true, MaxSize: 1 << 20},
			model.AnalysisMemory:   {Enabled: true, MaxSize: 1 << 20, AllowedMIME: []string{"application/octet-stream"}},
		},
		QueueCapacity: 2,
	})
	tokens := auth.NewTokens("test-secret")
	api := NewAPIServer(d, st, stats, tokens, b, false)
	srv := httptest.NewServer(api.routes())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, tokens: tokens, store: st, pool: pool}
}

func (f *apiFixture) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := f.tokens.Generate(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestSubmitAndFetchTask(t *testing.T) {
	f := newAPIFixture(t, false)

	code, body := f.do(t, "POST", "/api/v1/tasks", "alice", `{"artifact_ref":"notes.txt","analysis_type":"document","mime_type":"text/plain","size":15}`)
	require.Equal(t, http.StatusAccepted, code)
	id, _ := body["task_id"].(string)
	require.NotEmpty(t, id)

	code, body = f.do(t, "GET", "/api/v1/tasks/"+id, "alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "notes.txt", body["artifact_ref"])

	// Other users cannot see it.
	code, body = f.do(t, "GET", "/api/v1/tasks/"+id, "bob", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["error_code"])

	code, body = f.do(t, "GET", "/api/v1/tasks?status=PENDING", "alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
}

func TestSubmitErrorMapping(t *testing.T) {
	f := newAPIFixture(t, false)

	cases := []struct {
		name string
		body string
		code int
		kind string
	}{
		{"unknown type", `{"artifact_ref":"notes.txt","analysis_type":"disk"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"too large", `{"artifact_ref":"notes.txt","analysis_type":"document","size":2097152}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad mime", `{"artifact_ref":"notes.txt","analysis_type":"memory","mime_type":"text/plain"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed", `{"artifact_ref":`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", `{"artifact_ref":"notes.txt","analysis_type":"document","priority":9}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing artifact", `{"artifact_ref":"gone.txt","analysis_type":"document"}`, http.StatusNotFound, "NOT_FOUND"},
		{"remote host not allowed", `{"artifact_ref":"http://169.254.169.254/latest/meta-data","analysis_type":"document"}`, http.StatusNotFound, "NOT_FOUND"},
		{"outside artifact root", `{"artifact_ref":"../../etc/passwd","analysis_type":"document"}`, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, "POST", "/api/v1/tasks", "alice", tc.body)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.kind, body["error_code"])
			assert.NotEmpty(t, body["detail"])
		})
	}

	ok := `{"artifact_ref":"notes.txt","analysis_type":"document"}`
	for i := 0; i < 2; i++ {
		code, _ := f.do(t, "POST", "/api/v1/tasks", "alice", ok)
		require.Equal(t, http.StatusAccepted, code)
	}
	code, body := f.do(t, "POST", "/api/v1/tasks", "alice", ok)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMIT", body["error_code"])
}

func TestRequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t, false)

	code, body := f.do(t, "GET", "/api/v1/tasks", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHORIZED", body["error_code"])

	req, err := http.NewRequest("GET", f.srv.URL+"/api/v1/tasks", nil)
	require.NoError(t, err)
	forged, err := auth.NewTokens("other").Generate("alice", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t, false)

	_, body := f.do(t, "POST", "/api/v1/tasks", "alice", `{"artifact_ref":"notes.txt","analysis_type":"document"}`)
	id := body["task_id"].(string)

	code, _ := f.do(t, "POST", "/api/v1/tasks/"+id+"/cancel", "bob", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, "POST", "/api/v1/tasks/"+id+"/cancel", "alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CANCELLED", body["status"])

	code, body = f.do(t, "POST", "/api/v1/tasks/"+id+"/cancel", "alice", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", body["error_code"])
}

func TestEndToEndWithLiveSession(t *testing.T) {
	f := newAPIFixture(t, true)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/realtime/ws/analysis?token=" + f.token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Round trip a ping so the session is registered before submitting.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	code, body := f.do(t, "POST", "/api/v1/tasks", "alice", `{"artifact_ref":"notes.txt","analysis_type":"document","mime_type":"text/plain"}`)
	require.Equal(t, http.StatusAccepted, code)
	id := body["task_id"].(string)

	var statuses []model.TaskStatus
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev model.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, id, ev.TaskID)
		statuses = append(statuses, ev.Status)
		if ev.Status.Terminal() {
			break
		}
	}
	assert.Equal(t, model.TaskPending, statuses[0])
	assert.Equal(t, model.TaskRunning, statuses[1])
	assert.Equal(t, model.TaskCompleted, statuses[len(statuses)-1])

	code, body = f.do(t, "GET", "/api/v1/tasks/"+id, "alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.EqualValues(t, 100, body["progress"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "notes.txt", result["name"])
	assert.EqualValues(t, 15, result["size"])

	code, body = f.do(t, "GET", "/global-status", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["completed_tasks"])

	code, body = f.do(t, "GET", "/status", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "api-test", body["id"])
	assert.EqualValues(t, 1, body["tasks_successful"])
}
