// Package sqlite implements storage.Gateway on top of database/sql and
// mattn/go-sqlite3. Grounded on the teacher's SQLiteRepository: a single
// connection (SQLite only supports one writer), schema bootstrapped with
// CREATE TABLE IF NOT EXISTS, JSON-valued columns marshaled through
// encoding/json.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage"
)

// Store provides SQLite-based task and interaction storage.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

var _ storage.Gateway = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	owner TEXT DEFAULT '',
	description TEXT DEFAULT '',
	project_context TEXT DEFAULT '',
	projects TEXT DEFAULT '[]',
	root_path TEXT DEFAULT '',
	branch TEXT DEFAULT '',
	base_branch TEXT DEFAULT '',
	worktree_path TEXT DEFAULT '',
	assistant_session_id TEXT DEFAULT '',
	status TEXT NOT NULL,
	subprocess_id TEXT DEFAULT '',
	immediate_processing_active INTEGER DEFAULT 0,
	criteria_config TEXT DEFAULT '{}',
	total_tokens_used INTEGER DEFAULT 0,
	interaction_count INTEGER DEFAULT 0,
	user_input_queue TEXT DEFAULT '[]',
	user_input_pending INTEGER DEFAULT 0,
	chat_mode INTEGER DEFAULT 0,
	summary TEXT DEFAULT '',
	error_message TEXT DEFAULT '',
	completed_at DATETIME,
	generation INTEGER DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS interactions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT DEFAULT '',
	usage TEXT DEFAULT '{}',
	attachments TEXT DEFAULT '[]',
	tools TEXT DEFAULT '[]',
	timestamp DATETIME NOT NULL,
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_interactions_task_id ON interactions(task_id);
`

// New opens (or creates) a SQLite database at dbPath and bootstraps its schema.
func New(dbPath string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System{}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, clock: clk}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func marshalOrEmpty(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(b)
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = clock.NewID()
	}
	now := s.clock.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.RecomputeUserInputPending()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, name, owner, description, project_context, projects,
			root_path, branch, base_branch, worktree_path, assistant_session_id,
			status, subprocess_id, immediate_processing_active,
			criteria_config, total_tokens_used, interaction_count,
			user_input_queue, user_input_pending, chat_mode,
			summary, error_message, completed_at, generation, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.Name, task.Owner, task.Description, task.ProjectContext,
		marshalOrEmpty(task.Projects, "[]"),
		task.RootPath, task.Branch, task.BaseBranch, task.WorktreePath, task.AssistantSessionID,
		string(task.Status), task.SubprocessID, task.ImmediateProcessingActive,
		marshalOrEmpty(task.CriteriaConfig, "{}"), task.TotalTokensUsed, task.InteractionCount,
		marshalOrEmpty(task.UserInputQueue, "[]"), task.UserInputPending, task.ChatMode,
		task.Summary, task.ErrorMessage, task.CompletedAt, 1, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return apperr.Wrap(err, fmt.Sprintf("create task %q", task.Name))
	}
	return nil
}

func (s *Store) scanTask(row interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var t domain.Task
	var projectsJSON, criteriaJSON, queueJSON string
	var generation int64
	var completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Name, &t.Owner, &t.Description, &t.ProjectContext, &projectsJSON,
		&t.RootPath, &t.Branch, &t.BaseBranch, &t.WorktreePath, &t.AssistantSessionID,
		&t.Status, &t.SubprocessID, &t.ImmediateProcessingActive,
		&criteriaJSON, &t.TotalTokensUsed, &t.InteractionCount,
		&queueJSON, &t.UserInputPending, &t.ChatMode,
		&t.Summary, &t.ErrorMessage, &completedAt, &generation, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(projectsJSON), &t.Projects)
	_ = json.Unmarshal([]byte(criteriaJSON), &t.CriteriaConfig)
	_ = json.Unmarshal([]byte(queueJSON), &t.UserInputQueue)
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	t.SetGeneration(generation)
	return &t, nil
}

const selectColumns = `
	id, name, owner, description, project_context, projects,
	root_path, branch, base_branch, worktree_path, assistant_session_id,
	status, subprocess_id, immediate_processing_active,
	criteria_config, total_tokens_used, interaction_count,
	user_input_queue, user_input_pending, chat_mode,
	summary, error_message, completed_at, generation, created_at, updated_at
	FROM tasks`

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" WHERE id = ?", id)
	t, err := s.scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.Validation(fmt.Sprintf("task %q not found", id))
		}
		return nil, apperr.Wrap(err, "get task")
	}
	return t, nil
}

// GetTaskByName retrieves a task by its unique name.
func (s *Store) GetTaskByName(ctx context.Context, name string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" WHERE name = ?", name)
	t, err := s.scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.Validation(fmt.Sprintf("task %q not found", name))
		}
		return nil, apperr.Wrap(err, "get task by name")
	}
	return t, nil
}

// DeleteTask removes a task row. Interactions cascade via the foreign key.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(err, "delete task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Validation(fmt.Sprintf("task %q not found", id))
	}
	return nil
}

// ListActiveTasks returns all tasks whose status is active.
func (s *Store) ListActiveTasks(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectColumns+
		" WHERE status IN ('PENDING','RUNNING','PAUSED','TESTING')")
	if err != nil {
		return nil, apperr.Wrap(err, "list active tasks")
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "scan active task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Mutate reads the task, applies fn, and writes it back inside a
// transaction, aborting with a conflict error if the generation changed
// concurrently (spec §4.1).
func (s *Store) Mutate(ctx context.Context, id string, fn storage.MutateFunc) (*domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.StorageUnavailable(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+selectColumns+" WHERE id = ?", id)
	t, err := s.scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.Validation(fmt.Sprintf("task %q not found", id))
		}
		return nil, apperr.Wrap(err, "mutate: load task")
	}

	startGen := t.Generation()
	if err := fn(t); err != nil {
		return nil, err
	}
	t.RecomputeUserInputPending()
	t.UpdatedAt = s.clock.Now()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			name=?, owner=?, description=?, project_context=?, projects=?,
			root_path=?, branch=?, base_branch=?, worktree_path=?, assistant_session_id=?,
			status=?, subprocess_id=?, immediate_processing_active=?,
			criteria_config=?, total_tokens_used=?, interaction_count=?,
			user_input_queue=?, user_input_pending=?, chat_mode=?,
			summary=?, error_message=?, completed_at=?, generation=?, updated_at=?
		WHERE id = ? AND generation = ?`,
		t.Name, t.Owner, t.Description, t.ProjectContext, marshalOrEmpty(t.Projects, "[]"),
		t.RootPath, t.Branch, t.BaseBranch, t.WorktreePath, t.AssistantSessionID,
		string(t.Status), t.SubprocessID, t.ImmediateProcessingActive,
		marshalOrEmpty(t.CriteriaConfig, "{}"), t.TotalTokensUsed, t.InteractionCount,
		marshalOrEmpty(t.UserInputQueue, "[]"), t.UserInputPending, t.ChatMode,
		t.Summary, t.ErrorMessage, t.CompletedAt, startGen+1, t.UpdatedAt,
		id, startGen,
	)
	if err != nil {
		return nil, apperr.Wrap(err, "mutate: write task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.Conflict(fmt.Sprintf("task %q was modified concurrently", id))
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.StorageUnavailable(err)
	}
	t.SetGeneration(startGen + 1)
	return t, nil
}

// AppendInteraction inserts an interaction row. It does not touch
// interaction_count: that counter tracks completed main-loop turns (spec
// §4.8, §8 scenario S1), which may append any number of rows per turn — the
// executor bumps it once per turn via Mutate.
func (s *Store) AppendInteraction(ctx context.Context, interaction *domain.Interaction) (string, error) {
	if interaction.ID == "" {
		interaction.ID = clock.NewID()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = s.clock.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, task_id, kind, content, usage, attachments, tools, timestamp)
		VALUES (?,?,?,?,?,?,?,?)`,
		interaction.ID, interaction.TaskID, string(interaction.Kind), interaction.Content,
		marshalOrEmpty(interaction.Usage, "{}"), marshalOrEmpty(interaction.Attachments, "[]"),
		marshalOrEmpty(interaction.Tools, "[]"), interaction.Timestamp,
	)
	if err != nil {
		return "", apperr.Wrap(err, "append interaction")
	}
	return interaction.ID, nil
}

// ListInteractions returns a task's interactions ordered by timestamp.
func (s *Store) ListInteractions(ctx context.Context, taskID string) ([]*domain.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, content, usage, attachments, tools, timestamp
		FROM interactions WHERE task_id = ? ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, apperr.Wrap(err, "list interactions")
	}
	defer rows.Close()

	var out []*domain.Interaction
	for rows.Next() {
		var in domain.Interaction
		var usageJSON, attachJSON, toolsJSON string
		if err := rows.Scan(&in.ID, &in.TaskID, &in.Kind, &in.Content, &usageJSON, &attachJSON, &toolsJSON, &in.Timestamp); err != nil {
			return nil, apperr.Wrap(err, "scan interaction")
		}
		var usage domain.Usage
		if json.Unmarshal([]byte(usageJSON), &usage) == nil && usage != (domain.Usage{}) {
			in.Usage = &usage
		}
		_ = json.Unmarshal([]byte(attachJSON), &in.Attachments)
		_ = json.Unmarshal([]byte(toolsJSON), &in.Tools)
		out = append(out, &in)
	}
	return out, rows.Err()
}

// DeleteInteractions removes all interactions for a task.
func (s *Store) DeleteInteractions(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM interactions WHERE task_id = ?", taskID)
	if err != nil {
		return apperr.Wrap(err, "delete interactions")
	}
	return nil
}

// IncrementTokens performs a commutative additive counter bump.
func (s *Store) IncrementTokens(ctx context.Context, taskID string, delta int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET total_tokens_used = total_tokens_used + ?, updated_at = ? WHERE id = ?",
		delta, s.clock.Now(), taskID)
	if err != nil {
		return apperr.Wrap(err, "increment tokens")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Validation(fmt.Sprintf("task %q not found", taskID))
	}
	return nil
}
