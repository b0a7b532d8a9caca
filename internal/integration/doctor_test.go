package integration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/g960059/agexec/internal/config"
)

func doctorConfig(home string) config.Config {
	return config.Config{
		SocketPath:   filepath.Join(home, "run", "agexecd.sock"),
		DBPath:       filepath.Join(home, ".local", "state", "agexec", "state.db"),
		AuditLogPath: filepath.Join(home, ".local", "state", "agexec", "audit.log"),
		PolicyPath:   filepath.Join(home, ".config", "agexec", "policy.yaml"),
	}
}

func findCheck(t *testing.T, result DoctorResult, name string) DoctorCheck {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from %+v", name, result)
	return DoctorCheck{}
}

func TestDoctorPassesAfterInstall(t *testing.T) {
	home := t.TempDir()
	if _, err := Install(InstallOptions{HomeDir: home}); err != nil {
		t.Fatalf("install: %v", err)
	}

	result, err := Doctor(DoctorOptions{Config: doctorConfig(home)})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected doctor ok=true, got %+v", result)
	}
	check := findCheck(t, result, "policy")
	if check.Status != "pass" || !strings.Contains(check.Message, "deny") {
		t.Fatalf("unexpected policy check: %+v", check)
	}
}

func TestDoctorFailsOnBrokenPolicy(t *testing.T) {
	home := t.TempDir()
	cfg := doctorConfig(home)
	if err := os.MkdirAll(filepath.Dir(cfg.PolicyPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.PolicyPath, []byte("deny: [rm\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	result, err := Doctor(DoctorOptions{Config: cfg})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if result.OK {
		t.Fatalf("expected doctor ok=false, got %+v", result)
	}
	if check := findCheck(t, result, "policy"); check.Status != "fail" {
		t.Fatalf("unexpected policy check: %+v", check)
	}
}

func TestDoctorWarnsWhenAuditDisabled(t *testing.T) {
	home := t.TempDir()
	cfg := doctorConfig(home)
	cfg.AuditLogPath = ""

	result, err := Doctor(DoctorOptions{Config: cfg})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !result.OK {
		t.Fatalf("warnings must not fail the doctor: %+v", result)
	}
	if check := findCheck(t, result, "audit_log"); check.Status != "warn" {
		t.Fatalf("unexpected audit check: %+v", check)
	}
}

func TestDoctorWarnsOnLockFile(t *testing.T) {
	home := t.TempDir()
	cfg := doctorConfig(home)
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.SocketPath+".lock", nil, 0o600); err != nil {
		t.Fatal(err)
	}

	result, err := Doctor(DoctorOptions{Config: cfg})
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if check := findCheck(t, result, "daemon_lock"); check.Status != "warn" {
		t.Fatalf("unexpected lock check: %+v", check)
	}
}
