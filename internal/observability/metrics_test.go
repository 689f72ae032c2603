package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/rikka/pkg/dispatch"
	"github.com/harun/rikka/pkg/policy"
)

func TestRecordCall_CountsByEntryAndState(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.callTotal.WithLabelValues("fs.read", "completed"))

	RecordCall("fs.read", "completed", 1, 25*time.Millisecond)
	RecordCall("fs.read", "completed", 2, 5*time.Millisecond)
	RecordCall("fs.read", "failed", 1, time.Millisecond)

	assert.Equal(t, before+2, testutil.ToFloat64(m.callTotal.WithLabelValues("fs.read", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callTotal.WithLabelValues("fs.read", "failed")))
}

func TestRecordApproval(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.approvalTotal.WithLabelValues("blocked"))

	RecordApproval("blocked")

	assert.Equal(t, before+1, testutil.ToFloat64(m.approvalTotal.WithLabelValues("blocked")))
}

func TestRecordModelUsage(t *testing.T) {
	m := getMetrics()

	RecordModelUsage("claude-3-5-sonnet-20241022", 120, 40)
	RecordModelUsage("claude-3-5-sonnet-20241022", 30, 10)

	assert.Equal(t, float64(150),
		testutil.ToFloat64(m.modelTokens.WithLabelValues("claude-3-5-sonnet-20241022", "input")))
	assert.Equal(t, float64(50),
		testutil.ToFloat64(m.modelTokens.WithLabelValues("claude-3-5-sonnet-20241022", "output")))
	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.modelCalls.WithLabelValues("claude-3-5-sonnet-20241022")))
}

func TestTraceObserver_FeedsCallMetrics(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.callTotal.WithLabelValues("summarizer", "completed"))

	observe := TraceObserver()
	observe(dispatch.TraceEntry{
		Name:     "summarizer",
		State:    dispatch.StateCompleted,
		Depth:    0,
		Duration: 100 * time.Millisecond,
	})

	assert.Equal(t, before+1, testutil.ToFloat64(m.callTotal.WithLabelValues("summarizer", "completed")))
}

func TestDecisionObserver_FeedsApprovalMetric(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.approvalTotal.WithLabelValues("pre_approved"))

	observe := DecisionObserver()
	observe("fs.read", policy.DecisionPreApproved)
	observe("proc.exec", policy.DecisionPreApproved)

	assert.Equal(t, before+2, testutil.ToFloat64(m.approvalTotal.WithLabelValues("pre_approved")))
}

func TestUsageObserver_RecordsEveryModel(t *testing.T) {
	m := getMetrics()

	UsageObserver(dispatch.UsageMap{
		"gpt-4o": {InputTokens: 11, OutputTokens: 7, Calls: 1},
	})

	assert.Equal(t, float64(11), testutil.ToFloat64(m.modelTokens.WithLabelValues("gpt-4o", "input")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.modelTokens.WithLabelValues("gpt-4o", "output")))
}

func TestMetricsHandler_Scrapes(t *testing.T) {
	RecordCall("echo", "completed", 0, time.Millisecond)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dispatch_calls_total")
}
