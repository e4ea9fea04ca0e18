package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneClass(t *testing.T) {
	assert.Equal(t, "session", laneClass("session-8c1f"))
	assert.Equal(t, "main", laneClass("main"))
	assert.Equal(t, "-x", laneClass("-x"))
}

func TestMetricsHandler_ExposesRecordedSeries(t *testing.T) {
	RecordTurn("stream", 2*time.Second, true)
	RecordStep("edit_image", time.Second, false)
	RecordChunk("text/plain")
	RecordQueueEnqueue("session-abc", 1)
	SetActiveSessions(3)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `turn_total{mode="stream",status="success"}`)
	assert.Contains(t, body, `workflow_step_total{status="error",step="edit_image"}`)
	assert.Contains(t, body, `stream_chunks_total{mime="text/plain"}`)
	assert.Contains(t, body, `enqueue_total{lane="session"}`)
	assert.False(t, strings.Contains(body, "session-abc"))
}

func TestAuditLogger_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, InitAuditLogger(path))
	defer GetAuditLogger().Close()

	RecordSessionAudit(context.Background(), "create", "s1", "success", map[string]interface{}{"ttl": "30m"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "session", entry["type"])
	assert.Equal(t, "create", entry["action"])
	assert.Equal(t, "s1", entry["actor"])
}
