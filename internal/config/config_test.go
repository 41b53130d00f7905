package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LockTTL != time.Hour {
		t.Fatalf("expected 1h lock ttl, got %s", cfg.LockTTL)
	}
	if cfg.MinerU.BaseURL != "https://mineru.net/api/v4" {
		t.Fatalf("unexpected mineru base url %q", cfg.MinerU.BaseURL)
	}
	if cfg.MinerU.PollInterval != 5*time.Second || cfg.MinerU.MaxWait != time.Hour {
		t.Fatalf("unexpected mineru timings: %+v", cfg.MinerU)
	}
	if cfg.Gemini.Model != "gemini-2.5-pro" {
		t.Fatalf("unexpected gemini model %q", cfg.Gemini.Model)
	}
	if cfg.Storage.Bucket != "manuscripts" {
		t.Fatalf("unexpected bucket %q", cfg.Storage.Bucket)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MANUSCRIPT_LOCK_TTL", "30m")
	t.Setenv("MINIO_BUCKET", "books-test")
	t.Setenv("MINERU_API_KEY", "mineru-key")
	t.Setenv("MANUSCRIPT_WORKERS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LockTTL != 30*time.Minute {
		t.Fatalf("expected 30m, got %s", cfg.LockTTL)
	}
	if cfg.Storage.Bucket != "books-test" || cfg.MinerU.APIKey != "mineru-key" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Workers != 1 {
		t.Fatalf("expected workers clamped to 1, got %d", cfg.Workers)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("MANUSCRIPT_ACCESS_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadStorageDriver(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageDriver != "minio" {
		t.Fatalf("expected minio driver by default, got %q", cfg.StorageDriver)
	}

	t.Setenv("MANUSCRIPT_STORAGE_DRIVER", "s3")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown storage driver to be rejected")
	}
}
