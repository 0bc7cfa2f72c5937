package opsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/dispatch"
	"github.com/ppiankov/dispatchwatch/internal/escalation"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/store"
	"github.com/ppiankov/dispatchwatch/internal/telemetry"
)

type fixture struct {
	srv       *httptest.Server
	store     *store.Memory
	approvals *approval.Store
	gate      *policy.Gate
	board     *dispatch.Board
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(time.Now),
		approvals: approval.NewMemoryStore(),
		board:     dispatch.NewBoard(nil),
	}
	gate, err := policy.NewGate(nil, f.approvals)
	require.NoError(t, err)
	f.gate = gate

	prov, err := telemetry.NewProvider()
	require.NoError(t, err)
	t.Cleanup(func() { _ = prov.Shutdown(context.Background()) })

	f.srv = httptest.NewServer(NewRouter(Deps{
		Store:       f.store,
		Approvals:   f.approvals,
		Gate:        gate,
		Offers:      f.board,
		Escalations: escalation.New(f.store, gate, nil),
		Metrics:     prov,
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApprovalLifecycle(t *testing.T) {
	f := newFixture(t)
	tk, err := f.approvals.Request(string(policy.ActionCancelOrder), escalation.Requester, "return to sender", model.Params{"order_id": "o1"})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/approvals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []approval.Ticket
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, tk.ID, pending[0].ID)

	resp, body = f.do(t, http.MethodPost, "/approvals/"+tk.ID+"/approve", resolveReq{Resolver: "alice", Note: "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got approval.Ticket
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, approval.StatusApproved, got.Status)

	resp, _ = f.do(t, http.MethodPost, "/approvals/"+tk.ID+"/reject", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/approvals/nope/approve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/approvals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestOfferRespond(t *testing.T) {
	f := newFixture(t)
	f.board.Open("o1", "d1", time.Minute)

	resp, _ := f.do(t, http.MethodPost, "/offers/o1/respond", respondReq{DriverID: "d2", Accept: true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/offers/o1/respond", map[string]any{"accept": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/offers/o1/respond", respondReq{DriverID: "d1", Accept: true})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	st, ok := f.board.Status("o1")
	require.True(t, ok)
	assert.Equal(t, dispatch.ResponseAccepted, st)
}

func TestOrderIntakeAndSLA(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	resp, _ := f.do(t, http.MethodPost, "/orders", model.Order{ID: "o1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/orders", model.Order{
		ID: "o1", CreatedAt: now.Add(-4 * time.Hour), Deadline: now.Add(-time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/orders/o1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var o model.Order
	require.NoError(t, json.Unmarshal(body, &o))
	assert.Equal(t, model.OrderPending, o.Status)

	resp, _ = f.do(t, http.MethodGet, "/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/sla", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sla escalation.SLAStatus
	require.NoError(t, json.Unmarshal(body, &sla))
	assert.Equal(t, 1, sla.Breached)
	assert.Equal(t, escalation.SLACritical, sla.Status)
}

func TestDriverIntake(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/drivers", model.Driver{ID: "d1", Active: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/drivers/d1/location", model.Point{Lat: 52.5, Lng: 13.4})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	d, err := f.store.GetDriver(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DriverAvailable, d.Status)
	assert.Equal(t, 52.5, d.Location.Lat)
}

func TestStatsAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.gate.RecordExecution(context.Background(), policy.ActionDispatchOrder, nil, policy.Outcome{Success: true}, "dispatch_engine")

	resp, body := f.do(t, http.MethodGet, "/stats?window=1h", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st policy.Stats
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, "1h", st.Window)

	resp, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnconfiguredServicesAnswer503(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{Store: store.NewMemory(nil)}))
	defer srv.Close()
	for _, path := range []string{"/approvals", "/stats", "/sla", "/alerts", "/escalations", "/orchestrator", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}
