package integration

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type InstallOptions struct {
	HomeDir   string
	ConfigDir string
	StateDir  string
	Force     bool
	DryRun    bool
}

type InstallResult struct {
	DryRun       bool     `json:"dry_run"`
	FilesWritten []string `json:"files_written,omitempty"`
	DirsCreated  []string `json:"dirs_created,omitempty"`
	Backups      []string `json:"backups,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Install lays down the managed agexec environment: the policy file the
// daemon loads at startup and the state directory it writes into. An
// existing policy file is left untouched unless Force is set, in which
// case it is backed up before being replaced.
func Install(opts InstallOptions) (InstallResult, error) {
	normalized, err := normalizeOptions(opts)
	if err != nil {
		return InstallResult{}, err
	}

	res := InstallResult{DryRun: normalized.DryRun}

	policyPath := filepath.Join(normalized.ConfigDir, "policy.yaml")
	existing, err := readOptional(policyPath)
	if err != nil {
		return InstallResult{}, err
	}
	if len(existing) > 0 && !normalized.Force {
		res.Warnings = append(res.Warnings, fmt.Sprintf("policy file already exists, left untouched: %s", policyPath))
	} else if err := writeManagedFile(policyPath, renderPolicyTemplate(), 0o600, normalized.DryRun, &res); err != nil {
		return InstallResult{}, err
	}

	if err := ensureDir(normalized.StateDir, 0o700, normalized.DryRun, &res); err != nil {
		return InstallResult{}, err
	}

	return res, nil
}

func normalizeOptions(opts InstallOptions) (InstallOptions, error) {
	normalized := opts
	explicitHome := strings.TrimSpace(normalized.HomeDir) != ""
	if !explicitHome {
		home, err := os.UserHomeDir()
		if err != nil {
			return InstallOptions{}, fmt.Errorf("resolve home dir: %w", err)
		}
		normalized.HomeDir = home
	}
	if strings.TrimSpace(normalized.ConfigDir) == "" {
		// An explicit home keeps everything under it, ignoring XDG overrides.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" && !explicitHome {
			normalized.ConfigDir = filepath.Join(xdg, "agexec")
		} else {
			normalized.ConfigDir = filepath.Join(normalized.HomeDir, ".config", "agexec")
		}
	}
	if strings.TrimSpace(normalized.StateDir) == "" {
		normalized.StateDir = filepath.Join(normalized.HomeDir, ".local", "state", "agexec")
	}
	return normalized, nil
}

func ensureDir(dir string, perm os.FileMode, dryRun bool, res *InstallResult) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if dryRun {
		res.DirsCreated = append(res.DirsCreated, dir)
		return nil
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	res.DirsCreated = append(res.DirsCreated, dir)
	return nil
}

func writeManagedFile(path, content string, perm os.FileMode, dryRun bool, res *InstallResult) error {
	existing, err := readOptional(path)
	if err != nil {
		return err
	}
	if bytes.Equal(existing, []byte(content)) {
		return nil
	}

	if dryRun {
		res.FilesWritten = append(res.FilesWritten, path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if len(existing) > 0 {
		backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UTC().UnixNano())
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return fmt.Errorf("write backup %s: %w", backupPath, err)
		}
		res.Backups = append(res.Backups, backupPath)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmpPath, []byte(content), perm); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file %s: %w", path, err)
	}
	res.FilesWritten = append(res.FilesWritten, path)
	return nil
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("read file %s: %w", path, err)
}

func renderPolicyTemplate() string {
	return `# agexec policy tables. A list given here replaces the matching
# built-in list wholesale; deleting a list restores the default.
max_command_length: 4000

# Programs refused outright.
deny:
  - rm
  - sudo
  - su
  - chmod
  - chown
  - chgrp
  - dd
  - env
  - ln
  - mkfs
  - mount
  - umount
  - kill
  - pkill
  - killall
  - shutdown
  - reboot
  - shred

# Programs held for an explicit grant.
permission:
  - bash
  - sh
  - zsh
  - dash
  - fish
  - python
  - python3
  - node
  - ruby
  - perl
  - php
  - curl
  - wget
  - nc
  - ncat
  - ssh
  - scp
  - sftp
  - rsync
  - mv
  - cp
  - mkdir
  - touch
  - tee
  - tar

# Programs that run without asking, subject to argument screening.
allow:
  - npm
  - git
  - ls
  - cat
  - echo
  - pwd
  - rg

# Subcommand gates for the two structured allow-list programs.
npm_subcommands:
  - run
  - ci
  - install
  - start
  - test
git_subcommands:
  - status
  - diff
  - log
  - show
  - grep
  - rev-parse
  - branch
`
}
