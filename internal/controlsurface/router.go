package controlsurface

import (
	"github.com/gin-gonic/gin"

	"github.com/phillipcheng/claude-task-automation-server/internal/executor"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage"
)

// SetupRoutes configures the task control surface routes (component K, spec
// §6). router should be the /api/v1 group. Grounded on the teacher's
// cmd/agent-manager/main.go route-mounting style and
// agent/api.SetupRoutes's router-group shape.
func SetupRoutes(router *gin.RouterGroup, ex *executor.Executor, gw storage.Gateway, log *logger.Logger) {
	handler := NewHandler(ex, gw, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("/:name", handler.GetTask)
		tasks.DELETE("/:name", handler.DeleteTask)

		tasks.POST("/:name/start", handler.StartTask)
		tasks.POST("/:name/stop", handler.StopTask)
		tasks.POST("/:name/resume", handler.ResumeTask)
		tasks.POST("/:name/recover", handler.RecoverTask)
		tasks.POST("/:name/input", handler.SendInput)

		tasks.GET("/:name/transcript", handler.FetchTranscript)
		tasks.GET("/:name/subscribe", handler.Subscribe)
	}
}
