package controlsurface

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/executor"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage"
)

// Handler implements the task control surface (component K, spec §6). It
// validates request shape and delegates every operation to the executor;
// it owns no task state of its own. Grounded on the teacher's
// agent/api.Handler split between router (route table) and handler
// (request binding + response shaping).
type Handler struct {
	executor *executor.Executor
	gateway  storage.Gateway
	logger   *logger.Logger
}

// NewHandler creates a control-surface handler.
func NewHandler(ex *executor.Executor, gw storage.Gateway, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		executor: ex,
		gateway:  gw,
		logger:   log.WithFields(zap.String("component", "controlsurface")),
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	h.logger.Warn("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	status := apperr.GetHTTPStatus(err)
	code := "INTERNAL"
	if ae, ok := err.(*apperr.AppError); ok {
		code = ae.Code
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}

// CreateTask handles POST /tasks (spec §6 create(task)).
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("invalid request body: "+err.Error()))
		return
	}

	task, err := h.executor.Create(c.Request.Context(), executor.CreateRequest{
		Name:           req.Name,
		Owner:          req.Owner,
		Description:    req.Description,
		ProjectContext: req.ProjectContext,
		Projects:       req.Projects,
		RootPath:       req.RootPath,
		BaseBranch:     req.BaseBranch,
		Branch:         req.Branch,
		ChatMode:       req.ChatMode,
		CriteriaConfig: domain.CriteriaConfig{
			Criteria:      req.Criteria,
			MaxIterations: req.MaxIterations,
			MaxTokens:     req.MaxTokens,
		},
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, taskToResponse(task))
}

// StartTask handles POST /tasks/:name/start (spec §6 start(name)).
func (h *Handler) StartTask(c *gin.Context) {
	name := c.Param("name")
	if err := h.executor.Start(c.Request.Context(), name); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithTask(c, name)
}

// StopTask handles POST /tasks/:name/stop (spec §6 stop(name)). Returns
// after E's cancellation completes, per spec.
func (h *Handler) StopTask(c *gin.Context) {
	name := c.Param("name")
	if err := h.executor.Stop(c.Request.Context(), name); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithTask(c, name)
}

// ResumeTask handles POST /tasks/:name/resume (spec §6 resume(name)).
func (h *Handler) ResumeTask(c *gin.Context) {
	name := c.Param("name")
	if err := h.executor.Resume(c.Request.Context(), name); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithTask(c, name)
}

// RecoverTask handles POST /tasks/:name/recover (spec §6 recover(name)).
func (h *Handler) RecoverTask(c *gin.Context) {
	name := c.Param("name")
	var req RecoverRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.executor.Recover(c.Request.Context(), name, req.MaxIterations, req.MaxTokens); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithTask(c, name)
}

// SendInput handles POST /tasks/:name/input (spec §6 send_input). Enqueued
// regardless of status; a PENDING task is implicitly started.
func (h *Handler) SendInput(c *gin.Context) {
	name := c.Param("name")
	var req SendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("invalid request body: "+err.Error()))
		return
	}
	if err := h.executor.SendInput(c.Request.Context(), name, req.Text, req.Images); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithTask(c, name)
}

// DeleteTask handles DELETE /tasks/:name (spec §6 delete(name)).
// Unconditional: reclaims the workspace, stops any subprocess, deletes all
// rows. Idempotent — a second delete surfaces kValidation (not found).
func (h *Handler) DeleteTask(c *gin.Context) {
	name := c.Param("name")
	if err := h.executor.Delete(c.Request.Context(), name); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetTask handles GET /tasks/:name, a read-only lookup the spec's control
// surface table doesn't name explicitly but every other operation's
// "respond with the current row" behavior depends on.
func (h *Handler) GetTask(c *gin.Context) {
	h.respondWithTask(c, c.Param("name"))
}

// FetchTranscript handles GET /tasks/:name/transcript (spec §6
// fetch_transcript(name)).
func (h *Handler) FetchTranscript(c *gin.Context) {
	task, err := h.gateway.GetTaskByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	interactions, err := h.executor.FetchTranscript(c.Request.Context(), task.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]InteractionResponse, 0, len(interactions))
	for _, ia := range interactions {
		out = append(out, interactionToResponse(ia))
	}
	c.JSON(http.StatusOK, TranscriptResponse{Interactions: out, Total: len(out)})
}

func (h *Handler) respondWithTask(c *gin.Context, name string) {
	task, err := h.gateway.GetTaskByName(c.Request.Context(), name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// resolveTaskID is a small helper subscribe.go uses to turn a task name
// into the opaque id the executor's Subscribe/FetchTranscript take.
func (h *Handler) resolveTaskID(ctx context.Context, name string) (string, error) {
	task, err := h.gateway.GetTaskByName(ctx, name)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}
