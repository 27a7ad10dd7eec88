package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(status HealthStatus) HealthChecker {
	return NewCustomHealthChecker(func(context.Context) HealthCheck {
		return HealthCheck{Status: status}
	})
}

func TestHealthManager_CheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		statuses []HealthStatus
		want     HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all healthy", []HealthStatus{HealthStatusHealthy, HealthStatusHealthy}, HealthStatusHealthy},
		{"degraded", []HealthStatus{HealthStatusHealthy, HealthStatusDegraded}, HealthStatusDegraded},
		{"unhealthy wins", []HealthStatus{HealthStatusDegraded, HealthStatusUnhealthy}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager("emergency-access-service", "1.0.0")
			for i, s := range tt.statuses {
				hm.RegisterChecker(string(rune('a'+i)), staticChecker(s))
			}

			report := hm.CheckHealth(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
			assert.Equal(t, "emergency-access-service", report.Service)
		})
	}
}

func TestHealthManager_AppliesTimeout(t *testing.T) {
	hm := NewHealthManager("emergency-access-service", "1.0.0")
	hm.SetTimeout(20 * time.Millisecond)
	hm.RegisterChecker("slow", NewCustomHealthChecker(func(ctx context.Context) HealthCheck {
		<-ctx.Done()
		return HealthCheck{Status: HealthStatusUnhealthy, Message: ctx.Err().Error()}
	}))

	report := hm.CheckHealth(context.Background())
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "slow", report.Checks[0].Name)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks[0].Message)
}

func TestHealthManager_HTTPHandler(t *testing.T) {
	hm := NewHealthManager("emergency-access-service", "1.0.0")
	hm.RegisterChecker("database", staticChecker(HealthStatusUnhealthy))

	rec := httptest.NewRecorder()
	hm.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Equal(t, 1, report.Summary["unhealthy"])
}

func TestDatabaseHealthChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	checker := NewDatabaseHealthChecker(db)

	mock.ExpectPing()
	check := checker.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, check.Status)
	assert.Contains(t, check.Details, "open_connections")

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	check = checker.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, check.Status)
	assert.Contains(t, check.Message, "connection refused")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthChecker_Degrades(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	check := NewRedisHealthChecker(client).Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, check.Status)
	assert.Contains(t, check.Message, "Redis ping failed")
}
