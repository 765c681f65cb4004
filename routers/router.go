package routers

import (
	"PromptToVideo-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/tasks", h.CreateTask)
		v1.GET("/tasks/:task_id", h.GetTaskStatus)
		v1.POST("/tasks/:task_id/cancel", h.CancelTask)
		v1.GET("/tasks/:task_id/scenes", h.GetTaskScenes)
		v1.GET("/users/:user_id/tasks", h.ListUserTasks)
	}
	r.GET("/ws/tasks/:task_id", h.TaskProgressWebSocket)
	r.GET("/ws/users/:user_id", h.UserProgressWebSocket)
	return r
}
