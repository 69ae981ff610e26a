package controlsurface

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/phillipcheng/claude-task-automation-server/internal/eventbus"
)

// Subscription transport is grounded on the teacher's
// orchestrator/streaming.Client ReadPump/WritePump gorilla/websocket hub
// pattern, reduced to a single task-scoped endpoint since spec §1 scopes
// the rest of the HTTP surface out.
const (
	subscribeWriteWait = 10 * time.Second
	subscribePingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireEvent is the JSON frame sent over the websocket for each eventbus.Event.
type wireEvent struct {
	Kind        eventbus.Kind `json:"kind"`
	TaskID      string        `json:"task_id"`
	Interaction *InteractionResponse `json:"interaction,omitempty"`
	Status      string        `json:"status,omitempty"`
}

// Subscribe handles GET /tasks/:name/subscribe (spec §6 subscribe(name)):
// a live stream of {interaction | status_change} events until the task
// terminates or is deleted. No back-fill — callers call FetchTranscript
// first to hydrate.
func (h *Handler) Subscribe(c *gin.Context) {
	name := c.Param("name")
	taskID, err := h.resolveTaskID(c.Request.Context(), name)
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("subscribe: websocket upgrade failed", zap.String("task", name), zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.executor.Subscribe(taskID)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(subscribePingEvery)
	defer ticker.Stop()

	// Drain client reads in the background so a dropped connection is
	// noticed; this endpoint is server-push only, it ignores message content.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			frame := wireEvent{Kind: ev.Kind, TaskID: ev.TaskID}
			if ev.Interaction != nil {
				ia := interactionToResponse(ev.Interaction)
				frame.Interaction = &ia
			}
			if ev.Status != "" {
				frame.Status = string(ev.Status)
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(subscribeWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if ev.Kind == eventbus.KindTaskDeleted {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(subscribeWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
