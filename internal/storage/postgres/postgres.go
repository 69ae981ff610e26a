// Package postgres implements storage.Gateway on top of pgx/v5's
// connection pool, the durable multi-host-capable backend behind
// DATABASE_URL (spec §6). Structurally grounded on the sqlite backend's
// schema-bootstrap-and-scan shape (internal/storage/sqlite), with
// placeholders and types adapted to Postgres ($N params, JSONB columns,
// pgxpool in place of database/sql).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage"
)

// Store provides Postgres-based task and interaction storage.
type Store struct {
	pool  *pgxpool.Pool
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
	projects JSONB DEFAULT '[]',
	root_path TEXT DEFAULT '',
	branch TEXT DEFAULT '',
	base_branch TEXT DEFAULT '',
	worktree_path TEXT DEFAULT '',
	assistant_session_id TEXT DEFAULT '',
	status TEXT NOT NULL,
	subprocess_id TEXT DEFAULT '',
	immediate_processing_active BOOLEAN DEFAULT false,
	criteria_config JSONB DEFAULT '{}',
	total_tokens_used BIGINT DEFAULT 0,
	interaction_count INTEGER DEFAULT 0,
	user_input_queue JSONB DEFAULT '[]',
	user_input_pending BOOLEAN DEFAULT false,
	chat_mode BOOLEAN DEFAULT false,
	summary TEXT DEFAULT '',
	error_message TEXT DEFAULT '',
	completed_at TIMESTAMPTZ,
	generation BIGINT DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS interactions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	content TEXT DEFAULT '',
	usage JSONB DEFAULT '{}',
	attachments JSONB DEFAULT '[]',
	tools JSONB DEFAULT '[]',
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_interactions_task_id ON interactions(task_id);
`

// New opens a pgx connection pool against dsn and bootstraps the schema.
func New(ctx context.Context, dsn string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System{}
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{pool: pool, clock: clk}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func marshalOrEmpty(v any, empty string) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(empty)
	}
	return b
}

const selectColumns = `
	id, name, owner, description, project_context, projects,
	root_path, branch, base_branch, worktree_path, assistant_session_id,
	status, subprocess_id, immediate_processing_active,
	criteria_config, total_tokens_used, interaction_count,
	user_input_queue, user_input_pending, chat_mode,
	summary, error_message, completed_at, generation, created_at, updated_at
	FROM tasks`

func (s *Store) scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var projectsJSON, criteriaJSON, queueJSON []byte
	var generation int64
	var completedAt *time.Time

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
	_ = json.Unmarshal(projectsJSON, &t.Projects)
	_ = json.Unmarshal(criteriaJSON, &t.CriteriaConfig)
	_ = json.Unmarshal(queueJSON, &t.UserInputQueue)
	t.CompletedAt = completedAt
	t.SetGeneration(generation)
	return &t, nil
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, name, owner, description, project_context, projects,
			root_path, branch, base_branch, worktree_path, assistant_session_id,
			status, subprocess_id, immediate_processing_active,
			criteria_config, total_tokens_used, interaction_count,
			user_input_queue, user_input_pending, chat_mode,
			summary, error_message, completed_at, generation, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		task.ID, task.Name, task.Owner, task.Description, task.ProjectContext,
		marshalOrEmpty(task.Projects, "[]"),
		task.RootPath, task.Branch, task.BaseBranch, task.WorktreePath, task.AssistantSessionID,
		string(task.Status), task.SubprocessID, task.ImmediateProcessingActive,
		marshalOrEmpty(task.CriteriaConfig, "{}"), task.TotalTokensUsed, task.InteractionCount,
		marshalOrEmpty(task.UserInputQueue, "[]"), task.UserInputPending, task.ChatMode,
		task.Summary, task.ErrorMessage, task.CompletedAt, int64(1), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation(fmt.Sprintf("task name %q already exists", task.Name))
		}
		return apperr.Wrap(err, fmt.Sprintf("create task %q", task.Name))
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectColumns+" WHERE id = $1", id)
	t, err := s.scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.Validation(fmt.Sprintf("task %q not found", id))
		}
		return nil, apperr.Wrap(err, "get task")
	}
	return t, nil
}

// GetTaskByName retrieves a task by its unique name.
func (s *Store) GetTaskByName(ctx context.Context, name string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectColumns+" WHERE name = $1", name)
	t, err := s.scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.Validation(fmt.Sprintf("task %q not found", name))
		}
		return nil, apperr.Wrap(err, "get task by name")
	}
	return t, nil
}

// DeleteTask removes a task row. Interactions cascade via the foreign key.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return apperr.Wrap(err, "delete task")
	}
	if tag.RowsAffected() == 0 {
		return apperr.Validation(fmt.Sprintf("task %q not found", id))
	}
	return nil
}

// ListActiveTasks returns all tasks whose status is active.
func (s *Store) ListActiveTasks(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+selectColumns+
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.StorageUnavailable(err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, "SELECT "+selectColumns+" WHERE id = $1 FOR UPDATE", id)
	t, err := s.scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
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

	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET
			name=$1, owner=$2, description=$3, project_context=$4, projects=$5,
			root_path=$6, branch=$7, base_branch=$8, worktree_path=$9, assistant_session_id=$10,
			status=$11, subprocess_id=$12, immediate_processing_active=$13,
			criteria_config=$14, total_tokens_used=$15, interaction_count=$16,
			user_input_queue=$17, user_input_pending=$18, chat_mode=$19,
			summary=$20, error_message=$21, completed_at=$22, generation=$23, updated_at=$24
		WHERE id = $25 AND generation = $26`,
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
	if tag.RowsAffected() == 0 {
		return nil, apperr.Conflict(fmt.Sprintf("task %q was modified concurrently", id))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.StorageUnavailable(err)
	}
	t.SetGeneration(startGen + 1)
	return t, nil
}

// AppendInteraction inserts an interaction row. It does not touch
// interaction_count: the executor bumps that counter once per completed
// main-loop turn via Mutate.
func (s *Store) AppendInteraction(ctx context.Context, interaction *domain.Interaction) (string, error) {
	if interaction.ID == "" {
		interaction.ID = clock.NewID()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = s.clock.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO interactions (id, task_id, kind, content, usage, attachments, tools, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
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
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, kind, content, usage, attachments, tools, timestamp
		FROM interactions WHERE task_id = $1 ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, apperr.Wrap(err, "list interactions")
	}
	defer rows.Close()

	var out []*domain.Interaction
	for rows.Next() {
		var in domain.Interaction
		var usageJSON, attachJSON, toolsJSON []byte
		if err := rows.Scan(&in.ID, &in.TaskID, &in.Kind, &in.Content, &usageJSON, &attachJSON, &toolsJSON, &in.Timestamp); err != nil {
			return nil, apperr.Wrap(err, "scan interaction")
		}
		var usage domain.Usage
		if json.Unmarshal(usageJSON, &usage) == nil && usage != (domain.Usage{}) {
			in.Usage = &usage
		}
		_ = json.Unmarshal(attachJSON, &in.Attachments)
		_ = json.Unmarshal(toolsJSON, &in.Tools)
		out = append(out, &in)
	}
	return out, rows.Err()
}

// DeleteInteractions removes all interactions for a task.
func (s *Store) DeleteInteractions(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM interactions WHERE task_id = $1", taskID)
	if err != nil {
		return apperr.Wrap(err, "delete interactions")
	}
	return nil
}

// IncrementTokens performs a commutative additive counter bump.
func (s *Store) IncrementTokens(ctx context.Context, taskID string, delta int64) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE tasks SET total_tokens_used = total_tokens_used + $1, updated_at = $2 WHERE id = $3",
		delta, s.clock.Now(), taskID)
	if err != nil {
		return apperr.Wrap(err, "increment tokens")
	}
	if tag.RowsAffected() == 0 {
		return apperr.Validation(fmt.Sprintf("task %q not found", taskID))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
