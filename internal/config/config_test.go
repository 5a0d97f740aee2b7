package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_AppliesDefaultsOnEmptyHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSCHEDULER_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8089 {
		t.Errorf("Port = %d, want 8089", cfg.Port)
	}
	if cfg.TaskTimeoutSeconds != 900 {
		t.Errorf("TaskTimeoutSeconds = %d, want 900", cfg.TaskTimeoutSeconds)
	}
	if cfg.ConditionTimeoutSeconds != 60 {
		t.Errorf("ConditionTimeoutSeconds = %d, want 60", cfg.ConditionTimeoutSeconds)
	}
	if cfg.ShutdownGraceSeconds != 30 {
		t.Errorf("ShutdownGraceSeconds = %d, want 30", cfg.ShutdownGraceSeconds)
	}
	if cfg.DBPath != filepath.Join(home, "scheduler.db") {
		t.Errorf("DBPath = %q, want default under home", cfg.DBPath)
	}
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSCHEDULER_HOME", home)

	body := "host: 0.0.0.0\nport: 9090\ntask_timeout_seconds: 120\n"
	if err := os.WriteFile(ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.TaskTimeoutSeconds != 120 {
		t.Errorf("TaskTimeoutSeconds = %d, want 120", cfg.TaskTimeoutSeconds)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSCHEDULER_HOME", home)
	t.Setenv("TASKSCHEDULER_PORT", "7777")

	body := "port: 9090\n"
	if err := os.WriteFile(ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7777 {
		t.Errorf("Port = %d, want env override 7777", cfg.Port)
	}
}

func TestBindAddr(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: 8089}
	if got := cfg.BindAddr(); got != "127.0.0.1:8089" {
		t.Errorf("BindAddr = %q, want 127.0.0.1:8089", got)
	}

	cfg6 := Config{Port: 8089, IPv6: true}
	if got := cfg6.BindAddr(); got != "::8089" {
		t.Errorf("BindAddr = %q, want ::8089", got)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a := Config{Host: "127.0.0.1", Port: 8089, DBPath: "a.db"}
	b := Config{Host: "127.0.0.1", Port: 8089, DBPath: "b.db"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("Fingerprint should differ when DBPath differs")
	}
}
