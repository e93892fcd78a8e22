package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	lt := cfg.PostProcess.LeakTrim
	if lt.SecondsPerChar != 0.15 || lt.MinExpected != 1.0 || lt.Ratio != 1.8 || lt.AbsoluteFloor != 3.0 || lt.KeepMultiplier != 1.2 {
		t.Fatalf("unexpected leak trim defaults: %+v", lt)
	}
	if cfg.Transcoder.TimeoutMS != 30000 || cfg.Ingest.FetchTimeoutMS != 30000 {
		t.Fatalf("expected 30s transcoder and fetch bounds")
	}
	if cfg.Encode.DefaultFormat != "mp3" {
		t.Fatalf("expected mp3 default format, got %q", cfg.Encode.DefaultFormat)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_CLONE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_CLONE_BUS_USERNAME", "alice")
	t.Setenv("LOQA_CLONE_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_CLONE_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_CLONE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_CLONE_NODE_ID", "test-node")
	t.Setenv("LOQA_CLONE_ENGINE_MODE", "exec")
	t.Setenv("LOQA_CLONE_ENGINE_COMMAND", "python3 worker.py")
	t.Setenv("MODEL_DIR", "/models/cosy")
	t.Setenv("LOQA_CLONE_ENGINE_SPEAKERS", "a, b")
	t.Setenv("LOQA_CLONE_INGEST_DECODER", "native")
	t.Setenv("LOQA_CLONE_LEAK_TRIM_ENABLED", "false")
	t.Setenv("LOQA_CLONE_LEAK_TRIM_RATIO", "2.5")
	t.Setenv("LOQA_CLONE_JOB_STORE_RETENTION_MODE", "ephemeral")
	t.Setenv("LOQA_CLONE_JOB_STORE_MAX_JOBS", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "python3 worker.py" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.ModelDir != "/models/cosy" {
		t.Fatalf("expected MODEL_DIR to set model dir, got %q", cfg.Engine.ModelDir)
	}
	if len(cfg.Engine.Speakers) != 2 {
		t.Fatalf("expected 2 speakers, got %v", cfg.Engine.Speakers)
	}
	if cfg.Ingest.Decoder != "native" {
		t.Fatalf("expected native decoder")
	}
	if cfg.PostProcess.LeakTrim.Enabled {
		t.Fatalf("expected leak trim disabled")
	}
	if cfg.PostProcess.LeakTrim.Ratio != 2.5 {
		t.Fatalf("expected ratio override, got %v", cfg.PostProcess.LeakTrim.Ratio)
	}
	if cfg.JobStore.RetentionMode != "ephemeral" || cfg.JobStore.MaxJobs != 12 {
		t.Fatalf("expected job store overrides")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-clone.yaml")
	data := []byte(`runtime_name: clone-test
engine:
  mode: mock
  sample_rate: 22050
encode:
  default_format: wav
postprocess:
  leak_trim:
    seconds_per_char: 0.2
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "clone-test" || cfg.Engine.SampleRate != 22050 || cfg.Encode.DefaultFormat != "wav" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.PostProcess.LeakTrim.SecondsPerChar != 0.2 || cfg.PostProcess.LeakTrim.Ratio != 1.8 {
		t.Fatalf("expected partial leak trim override to keep defaults")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command": func(c *Config) { c.Engine.Mode = "exec" },
		"unknown engine mode":  func(c *Config) { c.Engine.Mode = "torch" },
		"unknown decoder":      func(c *Config) { c.Ingest.Decoder = "sox" },
		"bad format":           func(c *Config) { c.Encode.DefaultFormat = "aac" },
		"bad speed range":      func(c *Config) { c.PostProcess.MaxSpeed = 0.1 },
		"service without bus":  func(c *Config) { c.Bus.Enabled = false },
		"zero leak ratio":      func(c *Config) { c.PostProcess.LeakTrim.Ratio = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
