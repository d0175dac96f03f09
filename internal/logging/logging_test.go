package logging

import (
	"path/filepath"
	"testing"
)

func TestNewWithFileSink(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{LogFile: filepath.Join(dir, "pinloki.log")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Sync()
	log.Info("hello")
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New(Config{Level: "not-a-level"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewDefaultsToStderrWithoutLogFile(t *testing.T) {
	log, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Sync()
	log.Info("no file sink configured")
}
