package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWorkflow(t *testing.T) {
	before := testutil.ToFloat64(workflowRunsTotal.WithLabelValues("success"))
	RecordWorkflow("success")
	assert.Equal(t, before+1, testutil.ToFloat64(workflowRunsTotal.WithLabelValues("success")))
}

func TestSandboxGauge(t *testing.T) {
	before := testutil.ToFloat64(sandboxSessionsActive)
	SandboxAcquired()
	SandboxAcquired()
	SandboxReleased()
	assert.Equal(t, before+1, testutil.ToFloat64(sandboxSessionsActive))
	SandboxReleased()
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordDeployment("plan", "success", 3*time.Second)
	RecordHTTPRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "sirpi_deployment_operations_total")
	assert.Contains(t, string(body), `route="/health"`)
}
