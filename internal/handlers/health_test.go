package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type fakeNATS struct{ connected bool }

func (f fakeNATS) IsConnected() bool { return f.connected }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(context.Context) error { return f.err }

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return db, mock
}

func serveHealth(h *HealthHandler, path string) (*httptest.ResponseRecorder, HealthResponse) {
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var resp HealthResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHealth_LivenessSkipsChecks(t *testing.T) {
	db, mock := newMockDB(t)
	h := NewHealthHandler(db, nil, nil, "subscription-service", "1.0.0")

	w, resp := serveHealth(h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Empty(t, resp.Checks)
	assert.Nil(t, resp.System)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth_Detailed(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectPing()
	h := NewHealthHandler(db, fakeNATS{connected: true}, nil, "subscription-service", "1.0.0")

	w, resp := serveHealth(h, "/health?detailed=true")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp.Checks["database"].Status)
	assert.Equal(t, "healthy", resp.Checks["nats"].Status)
	assert.Equal(t, "disabled", resp.Checks["redis"].Status)
	require.NotNil(t, resp.System)
	assert.Positive(t, resp.System.NumCPU)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReady(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		nats    ConnectionChecker
		redis   Pinger
		status  int
		failing string
	}{
		{"all dependencies up", nil, fakeNATS{connected: true}, fakeRedis{}, http.StatusOK, ""},
		{"optional dependencies disabled", nil, nil, nil, http.StatusOK, ""},
		{"database down", errors.New("connection refused"), nil, nil, http.StatusServiceUnavailable, "database"},
		{"nats disconnected", nil, fakeNATS{connected: false}, nil, http.StatusServiceUnavailable, "nats"},
		{"redis down", nil, nil, fakeRedis{err: errors.New("i/o timeout")}, http.StatusServiceUnavailable, "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			if tt.pingErr != nil {
				mock.ExpectPing().WillReturnError(tt.pingErr)
			} else {
				mock.ExpectPing()
			}
			h := NewHealthHandler(db, tt.nats, tt.redis, "subscription-service", "1.0.0")

			w, resp := serveHealth(h, "/ready")
			assert.Equal(t, tt.status, w.Code)
			if tt.failing == "" {
				assert.Equal(t, "ready", resp.Status)
			} else {
				assert.Equal(t, "not ready", resp.Status)
				assert.Equal(t, "unhealthy", resp.Checks[tt.failing].Status)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
