package worktree

import (
	"regexp"
	"strings"
	"unicode"
)

// Config holds configuration for the workspace manager (component C).
type Config struct {
	// IsolatedSubdir is the directory name, relative to a project's
	// root_path, under which per-task checkouts are provisioned
	// (spec §6 ISOLATED_SUBDIR env var). Default ".isolated".
	IsolatedSubdir string `mapstructure:"isolated_subdir"`

	// BranchPrefix prefixes auto-generated task branch names
	// (spec §4.2: "task/<slug(task_name)>").
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// DefaultConfig returns the default workspace configuration.
func DefaultConfig() Config {
	return Config{
		IsolatedSubdir: ".isolated",
		BranchPrefix:   "task/",
	}
}

// Validate fills in defaults for unset fields.
func (c *Config) Validate() error {
	if c.IsolatedSubdir == "" {
		c.IsolatedSubdir = ".isolated"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "task/"
	}
	return nil
}

// BranchName returns the auto-generated branch name for a task name
// (spec §4.2: `task/<slug(task_name)>` when no branch is supplied).
func (c *Config) BranchName(taskName string) string {
	return c.BranchPrefix + SanitizeForBranch(taskName, 48)
}

var hyphenRun = regexp.MustCompile(`-+`)

// SanitizeForBranch converts a task name into a valid git branch name
// component: lowercased, non-alphanumerics collapsed to single hyphens,
// truncated to maxLen, with no leading/trailing hyphen.
func SanitizeForBranch(name string, maxLen int) string {
	if name == "" {
		return "task"
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := hyphenRun.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	if result == "" {
		result = "task"
	}
	return result
}
