package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/worker"
)

type testEnv struct {
	handler   http.Handler
	customers *memory.CustomerStore
	campaigns *memory.CampaignStore
	segments  *memory.SegmentStore
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	customers := memory.NewCustomerStore()
	segments := memory.NewSegmentStore()
	campaigns := memory.NewCampaignStore()

	resolver := segmentation.NewResolver(customers)
	tracker := campaign.NewTracker(campaigns)
	pool := worker.NewDispatchPool(
		worker.NewSimulatedSender(0, worker.WithLatency(0, time.Millisecond)),
		tracker,
		worker.PoolConfig{MaxConcurrency: 4, RecipientTimeout: time.Second},
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	orch := campaign.NewOrchestrator(campaigns, segments, resolver, pool,
		campaign.WithCustomerLookup(customers))
	h := NewHandlers(
		segmentation.NewService(segments, resolver),
		orch,
		tracker,
		ingest.NewService(customers),
		nil,
	)
	srv := NewServer(ServerConfig{AllowedOrigins: []string{"*"}}, h)
	return &testEnv{handler: srv.Handler(), customers: customers, campaigns: campaigns, segments: segments}
}

func (e *testEnv) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func seedCustomers(e *testEnv) {
	e.customers.Seed(
		domain.Customer{CustomerID: "c-1", Name: "Ada", Email: "ada@example.com", TotalSpend: 1500, Visits: 4},
		domain.Customer{CustomerID: "c-2", Name: "", Email: "bob@example.com", TotalSpend: 2500, Visits: 1},
		domain.Customer{CustomerID: "c-3", Name: "Cy", Email: "cy@example.com", TotalSpend: 20, Visits: 9},
	)
}

const bigSpenders = `{"name":"Big spenders","rules":{"logic":"AND","conditions":[{"field":"total_spend","operator":">","value":1000}]}}`

func TestHealth(t *testing.T) {
	e := setupTestServer(t)

	rec := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody[HealthStatus](t, rec).Status)

	rec = e.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness_ReportsDownDependency(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("store", func(context.Context) error { return nil })
	hc.Register("redis", func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	hc.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	status := decodeBody[HealthStatus](t, rec)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "up", status.Checks["store"].Status)
	assert.Equal(t, "down", status.Checks["redis"].Status)
}

func TestSegments_CreateListGetAudience(t *testing.T) {
	e := setupTestServer(t)
	seedCustomers(e)

	rec := e.do(t, http.MethodPost, "/api/segments", "ops", bigSpenders)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[segmentCreatedResponse](t, rec)
	assert.Equal(t, 2, created.AudienceSize)
	assert.Equal(t, "ops", created.Segment.CreatedBy)
	id := created.Segment.ID

	rec = e.do(t, http.MethodGet, "/api/segments", "ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]segmentation.Segment](t, rec), 1)

	rec = e.do(t, http.MethodGet, "/api/segments", "someone-else", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/segments/"+id, "ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Big spenders", decodeBody[segmentation.Segment](t, rec).Name)

	rec = e.do(t, http.MethodGet, "/api/segments/"+id+"/audience", "ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	aud := decodeBody[audienceResponse](t, rec)
	assert.Equal(t, 2, aud.AudienceCount)

	rec = e.do(t, http.MethodGet, "/api/segments/missing", "ops", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSegments_CreateAliasAndDefaultActor(t *testing.T) {
	e := setupTestServer(t)
	seedCustomers(e)

	rec := e.do(t, http.MethodPost, "/api/segments/create", "", bigSpenders)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, DefaultActor, decodeBody[segmentCreatedResponse](t, rec).Segment.CreatedBy)
}

func TestSegments_InvalidRuleDetails(t *testing.T) {
	e := setupTestServer(t)

	rec := e.do(t, http.MethodPost, "/api/segments/preview", "ops",
		`{"rules":{"logic":"AND","conditions":[{"field":"total_spend","operator":"between","value":5}]}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error   string                        `json:"error"`
		Code    string                        `json:"code"`
		Details segmentation.InvalidRuleError `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, codeInvalidRule, body.Code)
	assert.Equal(t, "total_spend", body.Details.Field)
	assert.Equal(t, "between", body.Details.Operator)
	assert.NotEmpty(t, body.Details.Reason)
}

func TestSegments_Preview(t *testing.T) {
	e := setupTestServer(t)
	seedCustomers(e)

	rec := e.do(t, http.MethodPost, "/api/segments/preview", "ops",
		`{"rules":{"logic":"OR","conditions":[{"field":"visits","operator":">=","value":5},{"field":"name","operator":"contains","value":"ad"}]}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeBody[previewResponse](t, rec).AudienceSize)

	rec = e.do(t, http.MethodPost, "/api/segments/preview", "ops", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/segments/preview", "ops", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCampaigns_LaunchDispatchAndReceipts(t *testing.T) {
	e := setupTestServer(t)
	seedCustomers(e)

	rec := e.do(t, http.MethodPost, "/api/segments", "ops", bigSpenders)
	require.Equal(t, http.StatusCreated, rec.Code)
	segID := decodeBody[segmentCreatedResponse](t, rec).Segment.ID

	rec = e.do(t, http.MethodPost, "/api/campaigns", "ops",
		map[string]string{"segment_id": segID, "message_template": "Hi {{ name }}, 10% off!"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	launched := decodeBody[campaign.Handle](t, rec)
	assert.Equal(t, 2, launched.AudienceSize)

	require.Eventually(t, func() bool {
		c, err := e.campaigns.Get(context.Background(), launched.CampaignID)
		return err == nil && c.StatusCounts.Sent == 2
	}, 5*time.Second, 10*time.Millisecond)

	rec = e.do(t, http.MethodGet, "/api/campaigns/"+launched.CampaignID, "ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[domain.Campaign](t, rec)
	assert.Equal(t, "Big spenders", detail.SegmentName)
	assert.Len(t, detail.Recipients, 2)

	receipt := map[string]string{"campaign_id": launched.CampaignID, "customer_id": "c-1", "status": "DELIVERED"}
	rec = e.do(t, http.MethodPost, "/api/campaigns/delivery-receipt", "", receipt)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, campaign.OutcomeApplied, decodeBody[receiptResponse](t, rec).Outcome)

	rec = e.do(t, http.MethodPost, "/api/campaigns/delivery-receipt", "", receipt)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"outcome":"already_applied"}`, rec.Body.String())

	receipt["status"] = "FAILED"
	rec = e.do(t, http.MethodPost, "/api/campaigns/delivery-receipt", "", receipt)
	assert.Equal(t, http.StatusConflict, rec.Code)

	dated := map[string]string{"campaign_id": launched.CampaignID, "customer_id": "c-2", "status": "DELIVERED", "timestamp": "2024-05-01"}
	rec = e.do(t, http.MethodPost, "/api/campaigns/delivery-receipt", "", dated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, campaign.OutcomeApplied, decodeBody[receiptResponse](t, rec).Outcome)

	receipt["status"] = "BOUNCED"
	rec = e.do(t, http.MethodPost, "/api/campaigns/delivery-receipt", "", receipt)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	receipt["status"] = "SENT"
	receipt["customer_id"] = "c-3"
	rec = e.do(t, http.MethodPost, "/api/campaigns/delivery-receipt", "", receipt)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/campaigns", "ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]domain.CampaignSummary](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].AudienceSize)
	assert.Equal(t, 2, history[0].StatusCounts.Delivered)

	rec = e.do(t, http.MethodGet, "/api/campaigns", "other", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
	rec = e.do(t, http.MethodGet, "/api/campaigns?all=true", "other", nil)
	assert.Len(t, decodeBody[[]domain.CampaignSummary](t, rec), 1)

	// The dispatch lock is released once the run finishes.
	require.Eventually(t, func() bool {
		rec = e.do(t, http.MethodPost, "/api/campaigns/"+launched.CampaignID+"/redrive", "ops", nil)
		return rec.Code == http.StatusAccepted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, decodeBody[campaign.RedriveResult](t, rec).Resubmitted)
}

func TestCampaigns_LaunchErrors(t *testing.T) {
	e := setupTestServer(t)
	seedCustomers(e)

	rec := e.do(t, http.MethodPost, "/api/send", "ops",
		map[string]string{"segment_id": "nope", "message_template": "Hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/campaigns", "ops", map[string]string{"segment_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/segments", "ops",
		`{"name":"Nobody","rules":{"logic":"AND","conditions":[{"field":"visits","operator":">","value":100}]}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	segID := decodeBody[segmentCreatedResponse](t, rec).Segment.ID

	rec = e.do(t, http.MethodPost, "/api/campaigns", "ops",
		map[string]string{"segment_id": segID, "message_template": "Hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeEmptyAudience, decodeBody[map[string]any](t, rec)["code"])

	rec = e.do(t, http.MethodGet, "/api/campaigns/nope", "ops", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestData_CustomersAndOrders(t *testing.T) {
	e := setupTestServer(t)

	rec := e.do(t, http.MethodPost, "/api/data/customers", "",
		`[{"customer_id":"c-1","name":"Ada","email":"ada@example.com"},{"customer_id":"c-2","name":"Bob"}]`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeBody[customersUploadResponse](t, rec).Count)

	rec = e.do(t, http.MethodPost, "/api/data/customers", "", `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/data/orders", "",
		`[{"order_id":"o-1","customer_id":"c-1","date":"2024-05-01","amount":120}]`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/data/orders", "",
		`[{"order_id":"o-2","customer_id":"c-2","date":"2024-05-02","amount":10},{"order_id":"o-3","customer_id":"ghost","date":"2024-05-02","amount":10}]`)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	res := decodeBody[ingest.OrderResult](t, rec)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "o-3")

	rec = e.do(t, http.MethodGet, "/api/data/customers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	customers := decodeBody[[]domain.Customer](t, rec)
	require.Len(t, customers, 2)
	for _, c := range customers {
		if c.CustomerID == "c-1" {
			assert.Equal(t, 120.0, c.TotalSpend)
			assert.Equal(t, 1, c.Visits)
		}
	}

	rec = e.do(t, http.MethodGet, "/api/data/orders?limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Order](t, rec), 1)
}

func TestWriteError_StoreUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &segmentation.StoreUnavailableError{Op: "count", Err: errors.New("dial tcp: refused")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "dial tcp")

	rec = httptest.NewRecorder()
	writeError(rec, errors.New("pq: relation does not exist"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")

	rec = httptest.NewRecorder()
	writeError(rec, campaign.ErrDispatchInProgress)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int{"": 100, "?limit=5": 5, "?limit=-1": 100, "?limit=abc": 100, "?limit=50000": 1000}
	for q, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/data/orders"+q, nil)
		assert.Equal(t, want, parseLimit(r, defaultListLimit, maxListLimit), q)
	}
}
