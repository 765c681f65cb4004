package api

import (
	"errors"
	"net/http"
	"time"

	"PromptToVideo-server/models"
	"PromptToVideo-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler 对外接口依赖注入集合（总线与执行器由 main 显式传入，不走包级单例）
type Handler struct {
	DB     *gorm.DB
	Bus    *service.ProgressBus
	Runner *service.Runner
}

func NewHandler(db *gorm.DB, bus *service.ProgressBus, runner *service.Runner) *Handler {
	return &Handler{DB: db, Bus: bus, Runner: runner}
}

// CreateTask 提交生成任务：POST /v1/api/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req struct {
		UserID        string  `json:"user_id"`
		Prompt        string  `json:"prompt"`
		Style         string  `json:"style"`
		AspectRatio   string  `json:"aspect_ratio"`
		TotalDuration float64 `json:"total_duration"`
		SceneCount    int     `json:"scene_count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt 不能为空"})
		return
	}
	if req.TotalDuration <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "total_duration 必须大于 0"})
		return
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "16:9"
	}

	task := models.Task{
		ID:     uuid.NewString(),
		UserID: req.UserID,
		Prompt: req.Prompt,
		Config: models.TaskConfig{
			AspectRatio:   req.AspectRatio,
			TotalDuration: req.TotalDuration,
			Style:         req.Style,
			SceneCount:    req.SceneCount,
		},
		Status:        models.TaskStatusPending,
		StageProgress: models.StageProgress{},
		Message:       "任务已创建，等待执行",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := models.CreateTask(h.DB, &task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	if err := service.EnqueueGenerationTask(task.ID); err != nil {
		logrus.Errorf("任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
		"message": "任务已创建",
	})
}

// GetTaskStatus 查询任务状态：GET /v1/api/tasks/:task_id
// 与推送共用同一个规范拉取接口，终态后也可随时调用。
func (h *Handler) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	ev, err := h.Bus.GetStatus(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// CancelTask 取消任务：POST /v1/api/tasks/:task_id/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.Runner.Cancel(taskID); err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "message": "取消请求已受理"})
}

// GetTaskScenes 查询任务的场景列表（含时长分配与各阶段资产，失败任务的部分产出也可见）
func (h *Handler) GetTaskScenes(c *gin.Context) {
	taskID := c.Param("task_id")
	if _, err := models.GetTaskByID(h.DB, taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	scenes, err := models.GetScenesByTaskID(h.DB, taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "scenes": scenes})
}

// ListUserTasks 按用户列出任务：GET /v1/api/users/:user_id/tasks
func (h *Handler) ListUserTasks(c *gin.Context) {
	userID := c.Param("user_id")
	tasks, err := models.ListTasksByUser(h.DB, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "tasks": tasks})
}

// TaskProgressWebSocket 单任务进度推送。
// 连接建立后先用规范拉取接口发一次当前快照，再订阅总线推送增量；
// 断线重连后客户端需重新走这条路径来重新同步。
func (h *Handler) TaskProgressWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")

	// 升级前先确认任务存在，404 还能以 HTTP 状态返回
	if _, err := h.Bus.GetStatus(c.Request.Context(), taskID); err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// 先订阅再取快照：订阅与快照之间发布的事件不会丢，
	// 早于快照的缓冲事件在 pumpEvents 里按整体进度过滤（事件整体单调）。
	sub := h.Bus.SubscribeTask(taskID)
	defer h.Bus.Unsubscribe(sub)

	snapshot, err := h.Bus.GetStatus(c.Request.Context(), taskID)
	if err != nil {
		return
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}
	if snapshot.Terminal() {
		return
	}
	h.pumpEvents(conn, sub, snapshot.OverallProgress)
}

// UserProgressWebSocket 用户维度的推送：该用户全部任务的进度事件
func (h *Handler) UserProgressWebSocket(c *gin.Context) {
	userID := c.Param("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.Bus.SubscribeUser(userID)
	defer h.Bus.Unsubscribe(sub)

	h.pumpEvents(conn, sub, 0)
}

// pumpEvents 把订阅到的事件写给连接，直到断开；单任务订阅在终态事件后收尾。
// sentOverall 为已发快照的整体进度，比它旧的非终态事件直接丢弃。
func (h *Handler) pumpEvents(conn *websocket.Conn, sub *service.Subscription, sentOverall int) {
	// 读协程仅用于感知断开
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-sub.C:
			if !ev.Terminal() && ev.OverallProgress < sentOverall {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if sub.TaskScoped() && ev.Terminal() {
				return
			}
		case <-disconnected:
			return
		}
	}
}
