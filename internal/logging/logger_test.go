package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ade-run/ade/internal/config"
)

func TestNewSetsLevelAndFormat(t *testing.T) {
	cfg := config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}
	log := New(cfg)
	if log.GetLevel().String() != "debug" {
		t.Fatalf("expected level debug, got %s", log.GetLevel())
	}
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log := New(config.LoggingConfig{Level: "not-a-level", Format: "text", Output: "stdout"})
	if log.GetLevel().String() != "info" {
		t.Fatalf("expected level info, got %s", log.GetLevel())
	}
}

func TestNewCreatesLogFile(t *testing.T) {
	originalWD, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(originalWD) })

	temp := t.TempDir()
	if err := os.Chdir(temp); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	log := New(config.LoggingConfig{Level: "info", Format: "text", Output: "file", FilePrefix: "test"})
	log.Info("hello")

	path := filepath.Join("logs", "test.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected log file to contain data")
	}
}

func TestNewDefault(t *testing.T) {
	log := NewDefault()
	if log.GetLevel().String() != "info" {
		t.Fatalf("expected level info, got %s", log.GetLevel())
	}
}
