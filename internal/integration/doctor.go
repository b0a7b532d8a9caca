package integration

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/g960059/agexec/internal/config"
	"github.com/g960059/agexec/internal/policy"
)

type DoctorOptions struct {
	Config config.Config
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Doctor inspects the environment agexecd would start into without
// changing any of it.
func Doctor(opts DoctorOptions) (DoctorResult, error) {
	cfg := opts.Config

	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	add(checkParentDir("socket_dir", cfg.SocketPath))
	add(checkLockFile(cfg.SocketPath + ".lock"))
	if cfg.InMemory {
		add(DoctorCheck{Name: "state_db", Status: "pass", Message: "in-memory, nothing kept on disk"})
	} else {
		add(checkParentDir("state_db", cfg.DBPath))
	}
	add(checkPolicy(cfg.PolicyPath))
	if cfg.AuditLogPath == "" {
		add(DoctorCheck{Name: "audit_log", Status: "warn", Message: "audit logging disabled"})
	} else {
		add(checkParentDir("audit_log", cfg.AuditLogPath))
	}

	return out, nil
}

func checkParentDir(name, path string) DoctorCheck {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: name, Status: "pass", Message: "directory will be created on first run", Path: dir}
		}
		return DoctorCheck{Name: name, Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: dir}
	}
	if !info.IsDir() {
		return DoctorCheck{Name: name, Status: "fail", Message: "not a directory", Path: dir}
	}
	if info.Mode().Perm()&0o002 != 0 {
		return DoctorCheck{Name: name, Status: "warn", Message: "directory is world-writable", Path: dir}
	}
	return DoctorCheck{Name: name, Status: "pass", Message: "directory present", Path: dir}
}

func checkLockFile(path string) DoctorCheck {
	if _, err := os.Stat(path); err == nil {
		return DoctorCheck{Name: "daemon_lock", Status: "warn", Message: "lock file present, a daemon may be running", Path: path}
	}
	return DoctorCheck{Name: "daemon_lock", Status: "pass", Message: "no running daemon"}
}

func checkPolicy(path string) DoctorCheck {
	if path == "" {
		return DoctorCheck{Name: "policy", Status: "pass", Message: "using built-in tables"}
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "policy", Status: "pass", Message: "no policy file, using built-in tables", Path: path}
		}
		return DoctorCheck{Name: "policy", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	tables, err := policy.LoadTables(path)
	if err != nil {
		return DoctorCheck{Name: "policy", Status: "fail", Message: fmt.Sprintf("load error: %v", err), Path: path}
	}
	return DoctorCheck{
		Name:    "policy",
		Status:  "pass",
		Message: fmt.Sprintf("%d deny / %d permission / %d allow programs", len(tables.DenyPrograms), len(tables.PermissionPrograms), len(tables.AllowPrograms)),
		Path:    path,
	}
}
