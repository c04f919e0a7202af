package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.History.MaxItems != 100 {
		t.Errorf("expected 100 history items, got %d", cfg.History.MaxItems)
	}
	if cfg.Model.TopK != 5 {
		t.Errorf("expected top_k 5, got %d", cfg.Model.TopK)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_MODEL_HOST", "models.example.com")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
history:
  max_items: 25
model:
  url: https://${TEST_MODEL_HOST}/mobilenet/model.json
  top_k: 3
  load_timeout: 10s
offline:
  enabled: true
  version: v2
  origin: http://localhost:5173
  core_assets:
    - /
    - /index.html
    - /app.js
  remote_assets:
    - https://cdn.jsdelivr.net/npm/@tensorflow/tfjs@4.10.0/dist/tf.min.js
  remote_host: cdn.jsdelivr.net
  remote_marker: tensorflow
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Model.URL != "https://models.example.com/mobilenet/model.json" {
		t.Errorf("env var not expanded: got %s", cfg.Model.URL)
	}
	if cfg.Model.LoadTimeout != 10*time.Second {
		t.Errorf("expected 10s load timeout, got %v", cfg.Model.LoadTimeout)
	}
	if cfg.History.MaxItems != 25 {
		t.Errorf("expected 25 history items, got %d", cfg.History.MaxItems)
	}
	if !cfg.Offline.Enabled || cfg.Offline.Version != "v2" {
		t.Errorf("unexpected offline config: %+v", cfg.Offline)
	}
	if len(cfg.Offline.CoreAssets) != 3 {
		t.Fatalf("expected 3 core assets, got %d", len(cfg.Offline.CoreAssets))
	}
	// Defaults survive a partial offline section.
	if cfg.Offline.RootDocument != "/index.html" {
		t.Errorf("expected default root document, got %s", cfg.Offline.RootDocument)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "imgclass.db" {
		t.Errorf("expected default db path, got %s", cfg.DBPath)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"zero capacity": "history:\n  max_items: 0\n",
		"bad top_k":     "model:\n  top_k: 0\n",
		"relative core": "offline:\n  core_assets: [index.html]\n",
		"no origin":     "offline:\n  enabled: true\n  version: v1\n",
		"bad log level": "log:\n  level: chatty\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
