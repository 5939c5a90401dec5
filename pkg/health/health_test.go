package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func up(context.Context) ComponentHealth       { return ComponentHealth{Status: StatusUp} }
func degraded(context.Context) ComponentHealth { return ComponentHealth{Status: StatusDegraded} }

func TestRunReportsWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("a", up)
	assert.Equal(t, StatusUp, c.Run(context.Background()).Status)

	c.Register("b", degraded)
	assert.Equal(t, StatusDegraded, c.Run(context.Background()).Status)

	c.Register("c", Ping(func(context.Context) error { return errors.New("refused") }))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, "refused", report.Components["c"].Message)
	assert.Len(t, report.Components, 3)
}

func TestReadyHandlerTreatsDegradedAsReady(t *testing.T) {
	c := NewChecker()
	c.Register("cluster", degraded)
	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.Register("redis", Ping(func(context.Context) error { return errors.New("down") }))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
