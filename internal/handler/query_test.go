package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dpgate/internal/dispatch"
	"dpgate/internal/domain"
	"dpgate/internal/middleware"
	"dpgate/internal/querier"
	"dpgate/internal/querier/aggregate"
	"dpgate/internal/queue"
	"dpgate/internal/store"
	"dpgate/internal/store/file"
	"dpgate/internal/worker"
	"dpgate/pkg/logger"
	"dpgate/pkg/validator"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, user string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user": user,
		"exp":  float64(time.Now().Add(time.Hour).Unix()),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// newTestServer wires the full HTTP surface over the in-memory stack with
// running workers, mirroring the single-process deployment.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	backend := file.New("")
	require.NoError(t, backend.CreateUser(ctx, &domain.User{Name: "alice", Contact: "alice@example.org"}))
	require.NoError(t, backend.CreateDataset(ctx, &domain.Dataset{
		Name:   "census",
		Access: domain.AccessInfo{Type: "synthetic"},
		Metadata: domain.Metadata{
			Columns:          []domain.Column{{Name: "age", Type: "numeric", LowerBound: 0, UpperBound: 120}},
			RowCount:         200,
			MaxContributions: 1,
		},
	}))
	require.NoError(t, backend.GrantAccess(ctx, "alice", "census", domain.NewBudget("5.0", "0.01")))

	ledger := store.NewLedger(backend)
	registry := querier.NewRegistry()
	aggregate.Register(registry)
	gate := dispatch.NewGate(ledger, registry, logger.NewNop())

	broker := queue.NewMemoryBroker(20 * time.Millisecond)
	jobs := queue.NewMemoryJobStore()
	protocol := queue.NewProtocol(broker, jobs, logger.NewNop())
	protocol.Start()
	t.Cleanup(protocol.Stop)

	pool := worker.NewPool(broker, gate, 1, logger.NewNop())
	pool.Start()
	t.Cleanup(pool.Stop)

	queryHandler := NewQueryHandler(protocol, validator.New(), logger.NewNop())
	budgetHandler := NewBudgetHandler(ledger, logger.NewNop())
	systemHandler := NewSystemHandler(backend, nil, logger.NewNop())

	r := mux.NewRouter()
	r.Use(middleware.CorrelationID)
	r.HandleFunc("/health", systemHandler.Health).Methods("GET")
	r.HandleFunc("/ready", systemHandler.Ready).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.NewAuthMiddleware(testSecret).Authenticate)
	api.HandleFunc("/queries", queryHandler.SubmitQuery).Methods("POST")
	api.HandleFunc("/queries/estimate", queryHandler.SubmitEstimate).Methods("POST")
	api.HandleFunc("/jobs/{uid}", queryHandler.GetJob).Methods("GET")
	api.HandleFunc("/budget/{dataset}", budgetHandler.GetBudget).Methods("GET")
	api.HandleFunc("/history/{dataset}", budgetHandler.GetHistory).Methods("GET")

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitQueryEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, "alice")

	resp := doJSON(t, "POST", srv.URL+"/api/v1/queries", token, SubmitQueryRequest{
		Dataset:     "census",
		Library:     "aggregate",
		Aggregation: "count",
		Mechanism:   "laplace",
		Epsilon:     "0.5",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	jobUID := body["job_uid"].(string)
	require.NotEmpty(t, jobUID)

	// Poll until the worker finishes the job.
	deadline := time.Now().Add(5 * time.Second)
	var job map[string]interface{}
	for time.Now().Before(deadline) {
		resp := doJSON(t, "GET", srv.URL+"/api/v1/jobs/"+jobUID, token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		job = decodeBody(t, resp)
		if job["status"] != string(domain.JobPending) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, string(domain.JobComplete), job["status"])
	assert.EqualValues(t, http.StatusOK, job["status_code"])

	// The spend is visible on the budget endpoint.
	resp = doJSON(t, "GET", srv.URL+"/api/v1/budget/census", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	budget := decodeBody(t, resp)
	spent := budget["spent"].(map[string]interface{})
	assert.Equal(t, "0.5", spent["epsilon"])
	remaining := budget["remaining"].(map[string]interface{})
	assert.Equal(t, "4.5", remaining["epsilon"])

	// And the query shows up in the history.
	resp = doJSON(t, "GET", srv.URL+"/api/v1/history/census", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody(t, resp)
	assert.EqualValues(t, 1, history["total"])
}

func TestSubmitQueryValidation(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, "alice")

	resp := doJSON(t, "POST", srv.URL+"/api/v1/queries", token, SubmitQueryRequest{
		Dataset: "census",
		// Missing library, aggregation, mechanism, epsilon.
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body, "fields")
}

func TestSubmitQueryMalformedEpsilon(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, "alice")

	resp := doJSON(t, "POST", srv.URL+"/api/v1/queries", token, SubmitQueryRequest{
		Dataset:     "census",
		Library:     "aggregate",
		Aggregation: "count",
		Mechanism:   "laplace",
		Epsilon:     "a-lot",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitQueryRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, "POST", srv.URL+"/api/v1/queries", "", SubmitQueryRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, "POST", srv.URL+"/api/v1/queries", "not-a-jwt", SubmitQueryRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestGetJobUnknownUID(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, "alice")

	resp := doJSON(t, "GET", srv.URL+"/api/v1/jobs/"+uuid.NewString(), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/api/v1/jobs/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestBudgetForUnknownDataset(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, "alice")

	resp := doJSON(t, "GET", srv.URL+"/api/v1/budget/nope", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
