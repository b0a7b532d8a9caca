package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultMaxCommandLen = 4000

// Tables are the static program lists the classifier consults. They are
// fixed for the life of the process; a policy file can replace individual
// lists at daemon startup, never at runtime.
type Tables struct {
	DenyPrograms       map[string]bool
	PermissionPrograms map[string]bool
	AllowPrograms      map[string]bool
	NpmSubcommands     map[string]bool
	GitSubcommands     map[string]bool
	MaxCommandLen      int
}

func DefaultTables() Tables {
	return Tables{
		DenyPrograms: toSet([]string{
			"rm", "sudo", "su", "chmod", "chown", "chgrp", "dd", "env", "ln",
			"mkfs", "mount", "umount", "kill", "pkill", "killall",
			"shutdown", "reboot", "shred",
		}),
		PermissionPrograms: toSet([]string{
			"bash", "sh", "zsh", "dash", "fish",
			"python", "python3", "node", "ruby", "perl", "php",
			"curl", "wget", "nc", "ncat", "ssh", "scp", "sftp", "rsync",
			"mv", "cp", "mkdir", "touch", "tee", "tar",
		}),
		AllowPrograms: toSet([]string{
			"npm", "git", "ls", "cat", "echo", "pwd", "rg",
		}),
		NpmSubcommands: toSet([]string{
			"run", "ci", "install", "start", "test",
		}),
		GitSubcommands: toSet([]string{
			"status", "diff", "log", "show", "grep", "rev-parse", "branch",
		}),
		MaxCommandLen: DefaultMaxCommandLen,
	}
}

// policyFile is the on-disk YAML form. A list present in the file replaces
// the corresponding built-in list wholesale; absent lists keep defaults.
type policyFile struct {
	Deny           []string `yaml:"deny"`
	Permission     []string `yaml:"permission"`
	Allow          []string `yaml:"allow"`
	NpmSubcommands []string `yaml:"npm_subcommands"`
	GitSubcommands []string `yaml:"git_subcommands"`
	MaxCommandLen  int      `yaml:"max_command_length"`
}

func LoadTables(path string) (Tables, error) {
	tables := DefaultTables()
	data, err := os.ReadFile(path)
	if err != nil {
		return tables, fmt.Errorf("read policy file: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return tables, fmt.Errorf("parse policy file: %w", err)
	}
	if file.Deny != nil {
		tables.DenyPrograms = toSet(file.Deny)
	}
	if file.Permission != nil {
		tables.PermissionPrograms = toSet(file.Permission)
	}
	if file.Allow != nil {
		tables.AllowPrograms = toSet(file.Allow)
	}
	if file.NpmSubcommands != nil {
		tables.NpmSubcommands = toSet(file.NpmSubcommands)
	}
	if file.GitSubcommands != nil {
		tables.GitSubcommands = toSet(file.GitSubcommands)
	}
	if file.MaxCommandLen > 0 {
		tables.MaxCommandLen = file.MaxCommandLen
	}
	return tables, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
