package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-enricher/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		StuckThreshold:       5,
		LookbackWindowHours:  24,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		Processed:     100,
		Failed:        5,
		FailRate:      0.05,
		StaleLocks:    1,
		LookbackHours: 24,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_JobFailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		Processed:     20,
		Failed:        8,
		FailRate:      0.4,
		LookbackHours: 24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_MinimumProcessedRequired(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		Processed: 3,
		Failed:    2,
		FailRate:  0.666,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ResourceExhausted(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{JobsPaused: 2, JobsExhausted: 1, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertResourceExhausted, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "1 job(s)")
}

func TestAlerter_Evaluate_StuckProspects(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{StaleLocks: 3, Orphans: 2})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStuckProspects, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "5 prospect(s)")
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&MetricsSnapshot{Processed: 50, Failed: 50, FailRate: 1, StaleLocks: 100})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		Processed:     20,
		Failed:        10,
		FailRate:      0.5,
		JobsExhausted: 1,
		Orphans:       7,
	})
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertJobFailureRate])
	assert.True(t, types[AlertResourceExhausted])
	assert.True(t, types[AlertStuckProspects])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertJobFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertResourceExhausted, Severity: "high", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertJobFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertStuckProspects, Message: "test"}})
	assert.Equal(t, 0, sent)
}
