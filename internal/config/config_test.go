package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Buffer.WordThreshold != 12 {
		t.Errorf("Expected word threshold 12, got %d", cfg.Buffer.WordThreshold)
	}
	if cfg.Coverage.HighWaterMark != 80 {
		t.Errorf("Expected high water mark 80, got %d", cfg.Coverage.HighWaterMark)
	}
	if cfg.Agents.Timeout != 20*time.Second {
		t.Errorf("Expected agent timeout 20s, got %s", cfg.Agents.Timeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BUFFER_WORD_THRESHOLD", "8")
	t.Setenv("BUFFER_MAX_CHUNK_AGE", "2s")
	t.Setenv("COVERAGE_HIGH_WATER_MARK", "90")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Buffer.WordThreshold != 8 {
		t.Errorf("Expected word threshold 8, got %d", cfg.Buffer.WordThreshold)
	}
	if cfg.Buffer.MaxChunkAge != 2*time.Second {
		t.Errorf("Expected max chunk age 2s, got %s", cfg.Buffer.MaxChunkAge)
	}
	if cfg.Coverage.HighWaterMark != 90 {
		t.Errorf("Expected high water mark 90, got %d", cfg.Coverage.HighWaterMark)
	}
}

func TestValidateRejectsBadBands(t *testing.T) {
	t.Setenv("COVERAGE_BRIEFLY_AT", "95")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when briefly-at exceeds high water mark")
	}
}

func TestValidateRejectsZeroThreshold(t *testing.T) {
	t.Setenv("BUFFER_WORD_THRESHOLD", "0")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for zero word threshold")
	}
}

func TestGetEnvDurationFallback(t *testing.T) {
	t.Setenv("AGENT_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agents.Timeout != 20*time.Second {
		t.Errorf("Expected fallback timeout 20s, got %s", cfg.Agents.Timeout)
	}
}
