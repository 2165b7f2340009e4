package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutsConfig_Defaults(t *testing.T) {
	cfg := TimeoutsConfig{}

	front, err := cfg.GetFront()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, front)

	back, err := cfg.GetBack()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, back)

	connect, err := cfg.GetConnect()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, connect)

	sweep, err := cfg.GetSweepInterval()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, sweep)
}

func TestTimeoutsConfig_CustomValues(t *testing.T) {
	cfg := TimeoutsConfig{Front: "2m", Connect: "500ms", SoftStop: "1d"}

	front, err := cfg.GetFront()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, front)

	connect, err := cfg.GetConnect()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, connect)

	stop, err := cfg.GetSoftStop()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, stop)
}

func TestTimeoutsConfig_Invalid(t *testing.T) {
	cfg := TimeoutsConfig{Back: "soon"}
	_, err := cfg.GetBack()
	assert.Error(t, err)

	cfg = TimeoutsConfig{Back: "-5s"}
	_, err = cfg.GetBack()
	assert.Error(t, err)
}

func TestHealthConfig_Thresholds(t *testing.T) {
	cfg := HealthConfig{}
	assert.Equal(t, 1, cfg.GetDegradedThreshold())
	assert.Equal(t, 3, cfg.GetFailureThreshold())

	cfg = HealthConfig{DegradedThreshold: 2, FailureThreshold: 5}
	assert.Equal(t, 2, cfg.GetDegradedThreshold())
	assert.Equal(t, 5, cfg.GetFailureThreshold())
}

func TestWorkerConfig_MaxBuffersFollowsSessions(t *testing.T) {
	cfg := WorkerConfig{MaxSessions: 50}
	assert.Equal(t, 100, cfg.GetMaxBuffers())

	cfg.MaxBuffers = 7
	assert.Equal(t, 7, cfg.GetMaxBuffers())
}

func TestValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := NewDefaultConfig()
	bad.Worker.BufferSize = 100
	assert.Error(t, bad.Validate())

	bad = NewDefaultConfig()
	bad.Worker.Health.DegradedThreshold = 5
	bad.Worker.Health.FailureThreshold = 2
	assert.Error(t, bad.Validate())

	bad = NewDefaultConfig()
	bad.Worker.Timeouts.Request = "never"
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.timeouts.request")

	bad = NewDefaultConfig()
	bad.Control.SocketPath = ""
	assert.Error(t, bad.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tollgate.toml")
	content := `
state = "  /etc/tollgate/state.yaml  "

[logging]
level = "debug"

[worker]
max_sessions = 200
buffer_size = 4096

[worker.timeouts]
front = "15s"

[worker.health]
failure_threshold = 4

[control]
socket_path = "/tmp/tollgate.sock"

[metrics]
enabled = true
addr = ":9300"

[unknown_section]
foo = "bar"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format, "defaults survive partial files")
	assert.Equal(t, 200, cfg.Worker.MaxSessions)
	assert.Equal(t, 4096, cfg.Worker.BufferSize)
	assert.Equal(t, 4, cfg.Worker.Health.GetFailureThreshold())
	assert.Equal(t, "/etc/tollgate/state.yaml", cfg.State, "strings are trimmed")
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9300", cfg.Metrics.Addr)

	front, err := cfg.Worker.Timeouts.GetFront()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, front)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile_SyntaxError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[worker]\nmax_sessions = \"many\"\n"), 0o600))

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.toml"), &cfg)
	assert.Error(t, err)
}
