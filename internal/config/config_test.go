package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Camera.ID != "webcam-01" {
		t.Fatalf("camera id = %q", cfg.Camera.ID)
	}
	if !reflect.DeepEqual(cfg.Camera.FallbackIndices, []int{0, 1, 2}) {
		t.Fatalf("fallback indices = %v", cfg.Camera.FallbackIndices)
	}
	if cfg.Detection.DisplayThreshold != 0.5 || cfg.Detection.AlertThreshold != 0.7 {
		t.Fatalf("thresholds = %v/%v", cfg.Detection.DisplayThreshold, cfg.Detection.AlertThreshold)
	}
	if cfg.Alert.Cooldown != 10*time.Second || cfg.Alert.Timeout != 5*time.Second {
		t.Fatalf("alert timings = %s/%s", cfg.Alert.Cooldown, cfg.Alert.Timeout)
	}
	if cfg.Alert.BackendURL != "http://localhost:8000" {
		t.Fatalf("backend url = %q", cfg.Alert.BackendURL)
	}
	if cfg.Stream.Addr != ":5000" {
		t.Fatalf("stream addr = %q", cfg.Stream.Addr)
	}
	if got := cfg.ClassNames(); got[0] != "gun" || got[1] != "knife" {
		t.Fatalf("class names = %v", got)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	file := filepath.Join(dir, "custom.yaml")
	content := strings.Join([]string{
		"camera:",
		"  id: lobby-cam",
		"  fallback_indices: [2, 3]",
		"alert:",
		"  cooldown: 30s",
		"detector:",
		"  class_names: [pistol, knife, person]",
	}, "\n")
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("DETECTION_ALERT_COOLDOWN", "20s")
	t.Setenv("DETECTION_ALERT_BACKEND_URL", "http://backend:9000/")

	cfg, err := Load([]string{"--config", file, "--camera-index", "4", "--alert-threshold", "0.8"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Camera.ID != "lobby-cam" {
		t.Fatalf("file value not applied: camera id = %q", cfg.Camera.ID)
	}
	if !reflect.DeepEqual(cfg.Camera.FallbackIndices, []int{2, 3}) {
		t.Fatalf("fallback indices = %v", cfg.Camera.FallbackIndices)
	}
	if cfg.Alert.Cooldown != 20*time.Second {
		t.Fatalf("env should override file: cooldown = %s", cfg.Alert.Cooldown)
	}
	if cfg.Alert.BackendURL != "http://backend:9000" {
		t.Fatalf("backend url = %q", cfg.Alert.BackendURL)
	}
	if cfg.Camera.Index != 4 {
		t.Fatalf("flag should apply: camera index = %d", cfg.Camera.Index)
	}
	if cfg.Detection.AlertThreshold != 0.8 {
		t.Fatalf("alert threshold = %v", cfg.Detection.AlertThreshold)
	}
	if len(cfg.Detector.ClassNames) != 3 {
		t.Fatalf("class names = %v", cfg.Detector.ClassNames)
	}
}

func TestLoadCommaSeparatedEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DETECTION_CAMERA_FALLBACK_INDICES", "1, 0")
	t.Setenv("DETECTION_DETECTOR_CLASS_NAMES", "guns,knives")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.Camera.FallbackIndices, []int{1, 0}) {
		t.Fatalf("fallback indices = %v", cfg.Camera.FallbackIndices)
	}
	if !reflect.DeepEqual(cfg.Detector.ClassNames, []string{"guns", "knives"}) {
		t.Fatalf("class names = %v", cfg.Detector.ClassNames)
	}
}

func TestLoadMissingExplicitConfigFails(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load([]string{"--config", "does-not-exist.yaml"}); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	loaded, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"alert equals display", func(c *Config) { c.Detection.AlertThreshold = c.Detection.DisplayThreshold }},
		{"alert below display", func(c *Config) { c.Detection.AlertThreshold = 0.3 }},
		{"display out of range", func(c *Config) { c.Detection.DisplayThreshold = -0.1 }},
		{"alert out of range", func(c *Config) { c.Detection.AlertThreshold = 1.5 }},
		{"empty camera id", func(c *Config) { c.Camera.ID = "" }},
		{"unknown device", func(c *Config) { c.Camera.Device = "v4l" }},
		{"unknown detector", func(c *Config) { c.Detector.Backend = "grpc" }},
		{"zero cooldown", func(c *Config) { c.Alert.Cooldown = 0 }},
		{"zero timeout", func(c *Config) { c.Alert.Timeout = 0 }},
		{"bad image quality", func(c *Config) { c.Alert.ImageQuality = 0 }},
		{"empty backend", func(c *Config) { c.Alert.BackendURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *loaded
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
