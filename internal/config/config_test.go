package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != 8080 || cfg.DownloadDir == "" || cfg.MaxWorkers < 1 || cfg.RetryCount != 4 {
		t.Fatalf("default config invalid: %+v", cfg)
	}
	if !cfg.RestoreOnStart || cfg.ShutdownWait {
		t.Fatalf("unexpected lifecycle defaults: %+v", cfg)
	}
	if cfg.Tools.Mega != "megadl" || cfg.Tools.YouTube != "yt-dlp" || cfg.Tools.PlayStore != "apkeep" {
		t.Fatalf("unexpected tool defaults: %+v", cfg.Tools)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("not_exists.yml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.SizeProbeTimeout != 5*time.Second {
		t.Fatalf("expected default probe timeout, got %s", cfg.SizeProbeTimeout)
	}
}

func TestLoadReadsAndValidates(t *testing.T) {
	path := writeConfig(t, `port: 9090
download_dir: testdata
max_workers: 2
retry_count: 0
size_probe_timeout: 1500ms
queue_store: mem://
log_level: DEBUG
http:
  timeout: 30s
  rps: 2
  burst: 3
tools:
  youtube: /usr/local/bin/yt-dlp
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.DownloadDir != "testdata" || cfg.MaxWorkers != 2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.RetryCount != 0 {
		t.Fatalf("explicit zero retry_count must be kept, got %d", cfg.RetryCount)
	}
	if cfg.SizeProbeTimeout != 1500*time.Millisecond || cfg.HTTP.Timeout != 30*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg)
	}
	if cfg.HTTP.RPS != 2 || cfg.HTTP.Burst != 3 {
		t.Fatalf("http throttling not parsed: %+v", cfg.HTTP)
	}
	if cfg.QueueStore != "mem://" || cfg.QueueKey != "queue.json" {
		t.Fatalf("unexpected store: %s %s", cfg.QueueStore, cfg.QueueKey)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", cfg.Level())
	}
	if cfg.Tools.YouTube != "/usr/local/bin/yt-dlp" || cfg.Tools.Mega != "megadl" {
		t.Fatalf("unexpected tools: %+v", cfg.Tools)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, content := range map[string]string{
		"workers":   "max_workers: 0\n",
		"retries":   "retry_count: -1\n",
		"log level": "log_level: loud\n",
		"rps":       "http:\n  rps: -1\n",
		"burst":     "http:\n  rps: 5\n",
		"yaml":      "port: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error for %q", content)
			}
		})
	}
}
