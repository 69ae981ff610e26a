package worktree

import "time"

// Status values for a provisioned Worktree.
const (
	StatusActive    = "active"
	StatusReclaimed = "reclaimed"
)

// Worktree is an isolated, version-controlled checkout provisioned for a
// single task (component C, spec §4.2). Trimmed of the teacher's
// Merged/MergeRequest fields: this core never merges branches, it only
// provisions and reclaims them.
type Worktree struct {
	TaskID     string `json:"task_id"`
	TaskName   string `json:"task_name"`
	RootPath   string `json:"root_path"`
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`

	// Shared reports whether this worktree is a fallback that reuses
	// RootPath directly rather than an isolated `.isolated/<task_name>/`
	// checkout (spec §4.2's feature-gated fallback).
	Shared bool `json:"shared"`

	Status string `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ReclaimedAt *time.Time `json:"reclaimed_at,omitempty"`
}
