package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, DefaultRunnerConfig(), cfg)
	assert.Equal(t, 300*time.Second, cfg.NodeTimeout)
	assert.Equal(t, 100, cfg.Notifier.Capacity)
}

func TestLoadFileFull(t *testing.T) {
	path := writeConfig(t, `
work_dir: /var/lib/runner
node_timeout: 90s
retention: 2h
gc_interval: 5m
log:
  level: DEBUG
  pretty: true
metrics:
  enabled: true
  listen_addr: ":9100"
tracing:
  enabled: true
  endpoint: "localhost:4317"
  insecure: true
notifier:
  capacity: 20
artifacts:
  enabled: true
  endpoint: "minio:9000"
  bucket: runs
  prefix: nightly
history:
  enabled: true
  dsn: "postgres://runner@localhost/runner"
watches:
  - name: inbox
    path: /data/inbox
    patterns: ["*.wav", "*.mp3"]
    pipeline: pipelines/transcribe.yaml
    debounce: 2s
schedules:
  - name: nightly
    every: 24h
    pipeline: pipelines/report.hcl
  - name: weekdays
    cron: "30 6 * * 1-5"
    pipeline: pipelines/digest.yaml
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/runner", cfg.WorkDir)
	assert.Equal(t, 90*time.Second, cfg.NodeTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Retention)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "polis-runner", cfg.Tracing.ServiceName)
	assert.Equal(t, 20, cfg.Notifier.Capacity)
	assert.Equal(t, "us-east-1", cfg.Artifacts.Region)
	assert.Equal(t, "pipeline_runs", cfg.History.Table)
	require.Len(t, cfg.Watches, 1)
	assert.Equal(t, []string{"*.wav", "*.mp3"}, cfg.Watches[0].Patterns)
	assert.Equal(t, 2*time.Second, cfg.Watches[0].Debounce)
	require.Len(t, cfg.Schedules, 2)
	assert.Equal(t, 24*time.Hour, cfg.Schedules[0].Every)
	assert.Equal(t, "30 6 * * 1-5", cfg.Schedules[1].Cron)
	assert.Zero(t, cfg.Schedules[1].Every)
}

func TestLoadFileEnvOverrides(t *testing.T) {
	path := writeConfig(t, "work_dir: from-file\n")
	t.Setenv("POLIS_RUNNER_WORK_DIR", "from-env")
	t.Setenv("POLIS_RUNNER_NODE_TIMEOUT", "45s")
	t.Setenv("POLIS_RUNNER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("POLIS_RUNNER_LOG_LEVEL", "warn")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.WorkDir)
	assert.Equal(t, 45*time.Second, cfg.NodeTimeout)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadFileInvalidEnvValue(t *testing.T) {
	t.Setenv("POLIS_RUNNER_RETENTION", "forever")

	_, err := LoadFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLIS_RUNNER_RETENTION")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultRunnerConfig()
	cfg.NodeTimeout = 0
	cfg.Log.Level = "loud"
	cfg.Artifacts.Enabled = true
	cfg.History = HistoryConfig{Enabled: true, Table: "runs; drop"}
	cfg.Watches = []WatchConfig{{Name: "dup", Path: "/in", Pipeline: "p.json"}}
	cfg.Schedules = []ScheduleConfig{{Name: "dup", Pipeline: "p.json"}}

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"node_timeout must be positive",
		"invalid log level",
		"artifacts: endpoint is required",
		"artifacts: bucket is required",
		"history: dsn is required",
		"invalid table name",
		"every or cron is required",
		`duplicate trigger name "dup"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestScheduleConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ScheduleConfig
		wantErr string
	}{
		{name: "interval", cfg: ScheduleConfig{Name: "s", Every: time.Minute, Pipeline: "p.json"}},
		{name: "cron", cfg: ScheduleConfig{Name: "s", Cron: "0 */2 * * *", Pipeline: "p.json"}},
		{name: "both", cfg: ScheduleConfig{Name: "s", Every: time.Minute, Cron: "* * * * *", Pipeline: "p.json"}, wantErr: "not both"},
		{name: "neither", cfg: ScheduleConfig{Name: "s", Pipeline: "p.json"}, wantErr: "every or cron is required"},
		{name: "negative", cfg: ScheduleConfig{Name: "s", Every: -time.Second, Pipeline: "p.json"}, wantErr: "every must be positive"},
		{name: "six fields", cfg: ScheduleConfig{Name: "s", Cron: "0 0 0 * * *", Pipeline: "p.json"}, wantErr: "invalid cron expression"},
		{name: "garbage", cfg: ScheduleConfig{Name: "s", Cron: "every day", Pipeline: "p.json"}, wantErr: "invalid cron expression"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
