package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/attack-radar/pkg/database"
	"github.com/hervehildenbrand/attack-radar/pkg/hub"
	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

const testSecret = "test-secret"

type stubAggregates struct {
	agg models.Aggregate
	err error
}

func (s *stubAggregates) GetAggregate(ctx context.Context) (models.Aggregate, error) {
	return s.agg, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func signToken(t *testing.T, secret, role string, method jwt.SigningMethod) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newTestServer(agg Aggregates, live Live, checks map[string]Pinger) *Server {
	if live == nil {
		live = hub.New(hub.Config{})
	}
	return New(agg, live, Config{JWTSecret: testSecret, Checks: checks})
}

func get(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoot(t *testing.T) {
	srv := newTestServer(&stubAggregates{}, nil, nil)
	rec := get(t, srv.Handler(), "/", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Hello"}`, rec.Body.String())
}

func TestData_Success(t *testing.T) {
	agg := models.EmptyAggregate()
	agg.Append("CN", 3)
	agg.Append("US", 2)
	srv := newTestServer(&stubAggregates{agg: agg}, nil, nil)

	for _, role := range []string{"user", "admin"} {
		t.Run(role, func(t *testing.T) {
			rec := get(t, srv.Handler(), "/api/data", map[string]string{
				"Authorization": "Bearer " + signToken(t, testSecret, role, jwt.SigningMethodHS256),
			})
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, `{"statusCode":200,"success":true,"data":{"label":["CN","US"],"total":[3,2]}}`, rec.Body.String())
		})
	}
}

func TestData_EmptyAggregate(t *testing.T) {
	srv := newTestServer(&stubAggregates{agg: models.EmptyAggregate()}, nil, nil)
	rec := get(t, srv.Handler(), "/api/data", map[string]string{
		"x-access-token": signToken(t, testSecret, "user", jwt.SigningMethodHS256),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"statusCode":200,"success":true,"data":{"label":[],"total":[]}}`, rec.Body.String())
}

func TestData_StoreError(t *testing.T) {
	storeErr := &database.QueryError{Err: errors.New("Database error")}
	srv := newTestServer(&stubAggregates{err: storeErr}, nil, nil)
	rec := get(t, srv.Handler(), "/api/data", map[string]string{
		"Authorization": "Bearer " + signToken(t, testSecret, "admin", jwt.SigningMethodHS256),
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"statusCode":500,"success":false,"message":"Database error"}`, rec.Body.String())
}

func TestData_Auth(t *testing.T) {
	srv := newTestServer(&stubAggregates{agg: models.EmptyAggregate()}, nil, nil)

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing token", nil, http.StatusUnauthorized},
		{"garbage token", map[string]string{"Authorization": "Bearer not-a-jwt"}, http.StatusForbidden},
		{"wrong secret", map[string]string{"Authorization": "Bearer " + signToken(t, "other", "admin", jwt.SigningMethodHS256)}, http.StatusForbidden},
		{"wrong algorithm", map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, "admin", jwt.SigningMethodHS384)}, http.StatusForbidden},
		{"wrong role", map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, "guest", jwt.SigningMethodHS256)}, http.StatusForbidden},
		{"no role", map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, "", jwt.SigningMethodHS256)}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv.Handler(), "/api/data", tt.header)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestData_ExpiredToken(t *testing.T) {
	srv := newTestServer(&stubAggregates{agg: models.EmptyAggregate()}, nil, nil)
	claims := Claims{
		Role:             "user",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	rec := get(t, srv.Handler(), "/api/data", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestData_NoSecretRejectsEverything(t *testing.T) {
	srv := New(&stubAggregates{agg: models.EmptyAggregate()}, hub.New(hub.Config{}), Config{})
	rec := get(t, srv.Handler(), "/api/data", map[string]string{
		"Authorization": "Bearer " + signToken(t, "unused", "admin", jwt.SigningMethodHS256),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORS(t *testing.T) {
	srv := newTestServer(&stubAggregates{}, nil, nil)

	rec := get(t, srv.Handler(), "/", map[string]string{"Origin": "http://localhost:8080"})
	assert.Equal(t, "http://localhost:8080", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, srv.Handler(), "/", map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&stubAggregates{}, nil, map[string]Pinger{
		"store": stubPinger{},
		"cache": stubPinger{},
	})
	rec := get(t, srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"store":"ok","cache":"ok"}}`, rec.Body.String())

	srv = newTestServer(&stubAggregates{}, nil, map[string]Pinger{
		"store": stubPinger{err: errors.New("connection refused")},
		"cache": stubPinger{},
	})
	rec = get(t, srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Checks["store"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&stubAggregates{}, nil, nil)
	get(t, srv.Handler(), "/", nil)

	rec := get(t, srv.Handler(), "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "attack_radar_http_requests_total")
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(&stubAggregates{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/data", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestWebSocket_SnapshotThenBroadcast(t *testing.T) {
	h := hub.New(hub.Config{CatchupMode: models.CatchupSnapshot})
	h.Broadcast(models.AttackBatch{{SourceCountry: "US", DestinationCountry: "CN"}})

	srv := newTestServer(&stubAggregates{}, h, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got models.AttackBatch
	require.NoError(t, conn.ReadJSON(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "US", got[0].SourceCountry)

	h.Broadcast(models.AttackBatch{{SourceCountry: "RU", DestinationCountry: "DE"}})
	require.NoError(t, conn.ReadJSON(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "RU", got[0].SourceCountry)
}

func TestWebSocket_UnregisteredOnDisconnect(t *testing.T) {
	h := hub.New(hub.Config{})
	h.Broadcast(models.AttackBatch{})

	srv := newTestServer(&stubAggregates{}, h, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	srv := newTestServer(&stubAggregates{}, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSHandler_AnyPath(t *testing.T) {
	h := hub.New(hub.Config{})
	h.Broadcast(models.AttackBatch{{SourceCountry: "FR"}})

	srv := newTestServer(&stubAggregates{}, h, nil)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got models.AttackBatch
	require.NoError(t, conn.ReadJSON(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "FR", got[0].SourceCountry)
}
