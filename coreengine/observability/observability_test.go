package observability

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordWorkflow(t *testing.T) {
	before := testutil.ToFloat64(workflowsTotal.WithLabelValues("success"))
	RecordWorkflow("success", 1500)
	RecordWorkflow("success", 10)
	assert.Equal(t, before+2, testutil.ToFloat64(workflowsTotal.WithLabelValues("success")))
}

func TestRecordStageAttempt(t *testing.T) {
	tests := []struct {
		stage  string
		result string
	}{
		{"execution", "success"},
		{"execution", "timeout"},
		{"verification", "protocol_violation"},
	}
	for _, tt := range tests {
		t.Run(tt.stage+"/"+tt.result, func(t *testing.T) {
			before := testutil.ToFloat64(stageAttemptsTotal.WithLabelValues(tt.stage, tt.result))
			RecordStageAttempt(tt.stage, tt.result, 250)
			assert.Equal(t, before+1, testutil.ToFloat64(stageAttemptsTotal.WithLabelValues(tt.stage, tt.result)))
		})
	}
}

func TestRecordBackendCall(t *testing.T) {
	before := testutil.ToFloat64(backendCallsTotal.WithLabelValues("alpha", "rejected"))
	RecordBackendCall("alpha", "rejected", 0)
	RecordBackendCall("alpha", "success", 120)
	assert.Equal(t, before+1, testutil.ToFloat64(backendCallsTotal.WithLabelValues("alpha", "rejected")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(backendCallsTotal.WithLabelValues("alpha", "success")), 1.0)
}

func TestRecordFallback(t *testing.T) {
	before := testutil.ToFloat64(backendFallbacksTotal.WithLabelValues("alpha", "beta"))
	RecordFallback("alpha", "beta")
	assert.Equal(t, before+1, testutil.ToFloat64(backendFallbacksTotal.WithLabelValues("alpha", "beta")))
}

func TestRecordBreakerTransition(t *testing.T) {
	RecordBreakerTransition("gamma", "CLOSED", "OPEN", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("gamma")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(breakerTransitionsTotal.WithLabelValues("gamma", "CLOSED", "OPEN")), 1.0)

	SetBreakerState("gamma", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(breakerState.WithLabelValues("gamma")))
}

func TestRecordTodoItem(t *testing.T) {
	before := testutil.ToFloat64(todoItemsTotal.WithLabelValues("failed"))
	RecordTodoItem("failed")
	assert.Equal(t, before+1, testutil.ToFloat64(todoItemsTotal.WithLabelValues("failed")))
}

func TestMetricsConcurrent(t *testing.T) {
	before := testutil.ToFloat64(stageAttemptsTotal.WithLabelValues("concurrent", "success"))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RecordStageAttempt("concurrent", "success", 5)
		}()
	}
	wg.Wait()

	assert.Equal(t, before+100, testutil.ToFloat64(stageAttemptsTotal.WithLabelValues("concurrent", "success")))
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "stageflow-test", "dev", "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracerWithEndpoint(t *testing.T) {
	// The exporter connects lazily, so an unreachable endpoint still initializes.
	shutdown, err := InitTracer(context.Background(), "stageflow-test", "dev", "localhost:4317")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
