package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/objq/api"
	"pkt.systems/objq/internal/clock"
	"pkt.systems/objq/internal/queue"
	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/storage/memory"
)

type testEnv struct {
	server *httptest.Server
	clock  *clock.Manual
}

func newTestEnv(t *testing.T, store storage.Backend, cfg queue.Config, ready func(context.Context) error) *testEnv {
	t.Helper()
	if store == nil {
		mem := memory.New()
		t.Cleanup(func() { _ = mem.Close() })
		store = mem
	}
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, err := queue.New(store, cfg, queue.WithClock(clk))
	if err != nil {
		t.Fatalf("queue service: %v", err)
	}
	mux := http.NewServeMux()
	New(Config{QueueService: svc, Ready: ready, DisableHTTPTracing: true}).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testEnv{server: server, clock: clk}
}

func (e *testEnv) do(t *testing.T, method, path string, body string, header http.Header) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d want %d body=%s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, data)
	}
}

func decodeError(t *testing.T, resp *http.Response) api.ErrorResponse {
	t.Helper()
	var out api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return out
}

func enqueue(t *testing.T, env *testEnv, path, body string) string {
	t.Helper()
	resp := env.do(t, http.MethodPost, path, body, http.Header{"Content-Type": {"text/plain"}})
	expectStatus(t, resp, http.StatusCreated)
	var out api.EnqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode enqueue: %v", err)
	}
	if out.Message.ID == "" {
		t.Fatalf("enqueue returned empty id")
	}
	return out.Message.ID
}

func TestEnqueueClaimAcknowledge(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{}, nil)
	id := enqueue(t, env, "/v1/acct/orders", "hello")

	resp := env.do(t, http.MethodGet, "/v1/acct/orders?lease=10s", "", nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
	if got := resp.Header.Get(api.HeaderMessageID); got != id {
		t.Fatalf("message id header = %q want %q", got, id)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Fatalf("content type = %q", got)
	}
	if !strings.HasPrefix(resp.Header.Get(api.HeaderClaimKey), id+"/") {
		t.Fatalf("claim key = %q", resp.Header.Get(api.HeaderClaimKey))
	}
	expires, err := time.Parse(time.RFC3339, resp.Header.Get(api.HeaderLeaseExpires))
	if err != nil {
		t.Fatalf("lease expires header: %v", err)
	}
	if want := env.clock.Now().Add(10 * time.Second); !expires.Equal(want) {
		t.Fatalf("lease expires = %v want %v", expires, want)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/v1/acct/orders", "", nil), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodDelete, "/v1/acct/orders/"+id, "", nil), http.StatusNoContent)

	resp = env.do(t, http.MethodDelete, "/v1/acct/orders/"+id, "", nil)
	expectStatus(t, resp, http.StatusNotFound)
	if e := decodeError(t, resp); e.ErrorCode != "not_found" {
		t.Fatalf("error code = %q", e.ErrorCode)
	}
}

func TestClaimByID(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{}, nil)
	id := enqueue(t, env, "/v1/acct/jobs", "work")

	expectStatus(t, env.do(t, http.MethodGet, "/v1/acct/jobs/"+id+"?lease=30", "", nil), http.StatusOK)

	resp := env.do(t, http.MethodGet, "/v1/acct/jobs/"+id, "", nil)
	expectStatus(t, resp, http.StatusConflict)
	if e := decodeError(t, resp); e.ErrorCode != "conflict" {
		t.Fatalf("error code = %q", e.ErrorCode)
	}

	env.clock.Advance(31 * time.Second)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/acct/jobs/"+id, "", nil), http.StatusOK)

	expectStatus(t, env.do(t, http.MethodDelete, "/v1/acct/jobs/"+id, "", nil), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/acct/jobs/"+id, "", nil), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/acct/jobs/00000000000abc001", "", nil), http.StatusNotFound)
}

func TestQueueLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{}, nil)

	resp := env.do(t, http.MethodPut, "/v1/acct/beta", "", nil)
	expectStatus(t, resp, http.StatusCreated)
	var created api.CreateQueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.Queue.Name != "beta" {
		t.Fatalf("create response = %+v err=%v", created, err)
	}
	expectStatus(t, env.do(t, http.MethodPut, "/v1/acct/beta", "", nil), http.StatusCreated)
	enqueue(t, env, "/v1/acct/alpha", "x")

	resp = env.do(t, http.MethodGet, "/v1/acct", "", nil)
	expectStatus(t, resp, http.StatusOK)
	var listed api.ListQueuesResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Queues) != 2 || listed.Queues[0].Name != "alpha" || listed.Queues[1].Name != "beta" {
		t.Fatalf("queues = %+v", listed.Queues)
	}

	resp = env.do(t, http.MethodDelete, "/v1/acct/beta", "", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	if e := decodeError(t, resp); e.ErrorCode != "unsupported" {
		t.Fatalf("error code = %q", e.ErrorCode)
	}
}

func TestEmptyAccountListsNothing(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{}, nil)
	resp := env.do(t, http.MethodGet, "/v1/nobody", "", nil)
	expectStatus(t, resp, http.StatusOK)
	var listed api.ListQueuesResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Queues == nil || len(listed.Queues) != 0 {
		t.Fatalf("queues = %#v", listed.Queues)
	}
}

func TestEnqueueTooLarge(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{Limits: queue.Limits{MaxPayloadBytes: 4}}, nil)
	resp := env.do(t, http.MethodPost, "/v1/acct/small", "12345", nil)
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)
	if e := decodeError(t, resp); e.ErrorCode != "payload_too_large" {
		t.Fatalf("error code = %q", e.ErrorCode)
	}
	enqueue(t, env, "/v1/acct/small", "1234")
}

func TestInvalidParameters(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{}, nil)
	cases := []struct {
		path string
		code string
	}{
		{"/v1/acct/q?lease=soon", "invalid_lease"},
		{"/v1/acct/q?wait=-1", "invalid_wait"},
		{"/v1/acct/q?lease=-5s", "invalid_lease"},
	}
	for _, tc := range cases {
		resp := env.do(t, http.MethodGet, tc.path, "", nil)
		expectStatus(t, resp, http.StatusBadRequest)
		if e := decodeError(t, resp); e.ErrorCode != tc.code {
			t.Fatalf("%s: error code = %q want %q", tc.path, e.ErrorCode, tc.code)
		}
	}
	resp := env.do(t, http.MethodPost, "/v1/acct/"+strings.Repeat("q", 300), "x", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	if e := decodeError(t, resp); e.ErrorCode != "invalid_request" {
		t.Fatalf("error code = %q", e.ErrorCode)
	}
}

func TestCorrelationHeader(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{}, nil)
	resp := env.do(t, http.MethodGet, "/healthz", "", http.Header{headerCorrelationID: {"trace-me"}})
	expectStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get(headerCorrelationID); got != "trace-me" {
		t.Fatalf("correlation id = %q", got)
	}
	resp = env.do(t, http.MethodGet, "/v1/acct/q", "", nil)
	expectStatus(t, resp, http.StatusNoContent)
	if resp.Header.Get(headerCorrelationID) == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestReadiness(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{}, func(context.Context) error { return errors.New("store offline") })
	expectStatus(t, env.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
	resp := env.do(t, http.MethodGet, "/readyz", "", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	if e := decodeError(t, resp); e.ErrorCode != "not_ready" {
		t.Fatalf("error code = %q", e.ErrorCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil, queue.Config{}, nil)
	expectStatus(t, env.do(t, http.MethodPatch, "/v1/acct/q", "", nil), http.StatusMethodNotAllowed)
}

type unavailableStore struct {
	storage.Backend
}

func (unavailableStore) ListObjects(context.Context, storage.ContainerRef, storage.ListOptions) (*storage.ListResult, error) {
	return nil, storage.NewTransientError(errors.New("connection reset"))
}

func TestTransientStoreErrorsReport503(t *testing.T) {
	env := newTestEnv(t, unavailableStore{Backend: memory.New()}, queue.Config{}, nil)
	resp := env.do(t, http.MethodGet, "/v1/acct/q", "", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	if resp.Header.Get("Retry-After") != "1" {
		t.Fatalf("retry-after = %q", resp.Header.Get("Retry-After"))
	}
	if e := decodeError(t, resp); e.ErrorCode != "store_unavailable" {
		t.Fatalf("error code = %q", e.ErrorCode)
	}
}

func TestConvertQueueError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{queue.ErrInvalid, http.StatusBadRequest},
		{queue.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{queue.ErrNotFound, http.StatusNotFound},
		{queue.ErrConflict, http.StatusConflict},
		{queue.ErrMalformedState, http.StatusInternalServerError},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := convertQueueError(tc.err)
		if got.Status != tc.status {
			t.Fatalf("%v: status %d want %d", tc.err, got.Status, tc.status)
		}
	}
}
