package daemon

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/screencraft/internal/config"
	"github.com/harun/screencraft/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpenAI answers embedding requests with a fixed two dimensional vector.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[3,4]}],
			"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.AI.OpenAIKey = "sk-test-key"
	cfg.AI.OpenAIBaseURL = fakeOpenAI(t).URL
	cfg.Models.EmbeddingDimensions = 2
	cfg.Tracing.Enabled = false
	cfg.Transcript.Dir = filepath.Join(cfg.DataDir, "transcripts")
	return cfg
}

// createTestDaemon creates a daemon backed by a temp data directory
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	t.Run("should wire every component", func(t *testing.T) {
		d := createTestDaemon(t, testConfig(t))
		t.Cleanup(func() { _ = d.Close() })

		assert.NotNil(t, d.knowledge)
		assert.NotNil(t, d.artifacts)
		assert.NotNil(t, d.sessions)
		assert.NotNil(t, d.janitor)
		assert.NotNil(t, d.queue)
		assert.NotNil(t, d.transcripts)
		assert.NotNil(t, d.orchestrator)
		assert.NotNil(t, d.gatewayServer)
		assert.NotNil(t, d.lifecycle)
		assert.NotNil(t, d.maintenance)
		assert.Equal(t, filepath.Join(d.config.DataDir, "knowledge.db"), d.config.Knowledge.DBPath)
	})

	t.Run("should skip the transcript archive when no directory is set", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Transcript.Dir = ""
		d := createTestDaemon(t, cfg)
		t.Cleanup(func() { _ = d.Close() })

		assert.Nil(t, d.transcripts)
	})

	t.Run("should fail without an OpenAI key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AI.OpenAIKey = ""

		log, err := logger.New(logger.Config{Level: "info", Console: false})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		assert.ErrorContains(t, err, "api key is required")
	})

	t.Run("should fail on an unknown provider", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Models.Provider = "mystery"

		log, err := logger.New(logger.Config{Level: "info", Console: false})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		assert.ErrorContains(t, err, "unsupported provider")
	})
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	screens := filepath.Join(cfg.DataDir, "screens")
	require.NoError(t, os.MkdirAll(screens, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(screens, "product_list.md"),
		[]byte("---\nname: Product List\nimages:\n  - screens/product_list.png\n---\n\nA table of products.\n"), 0644))

	d := createTestDaemon(t, cfg)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	assert.ErrorContains(t, d.Start(), "already running")

	status = d.Status()
	assert.True(t, status.Running)
	assert.False(t, status.StartTime.IsZero())
	assert.Equal(t, 1, status.Screens)
	assert.Equal(t, 0, status.Sessions)

	_, err := os.Stat(PIDFile(cfg.DataDir))
	assert.NoError(t, err)

	resp, err := http.Get("http://" + d.GetGatewayServer().Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	id := d.GetOrchestrator().StartSession()
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, d.Status().Sessions)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.ErrorContains(t, d.Stop(), "not running")

	_, err = os.Stat(PIDFile(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestMaintenanceTick(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	t.Cleanup(func() { _ = d.Close() })

	assert.NotPanics(t, func() { d.maintenance.tick(t.Context()) })
}

func TestDaemonClose(t *testing.T) {
	t.Run("should release a daemon that never started", func(t *testing.T) {
		d := createTestDaemon(t, testConfig(t))
		require.NoError(t, d.Close())

		_, err := d.GetOrchestrator().Run(t.Context(), d.GetOrchestrator().StartSession(), "hello")
		assert.Error(t, err)
	})

	t.Run("should stop a running daemon", func(t *testing.T) {
		d := createTestDaemon(t, testConfig(t))
		require.NoError(t, d.Start())

		require.NoError(t, d.Close())
		assert.False(t, d.Status().Running)
	})
}
