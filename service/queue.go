package service

import (
	"encoding/json"
	"fmt"
	"time"

	"PromptToVideo-server/config"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	TypeGenerateVideo = "task:generate_video"
)

type TaskPayload struct {
	TaskID string `json:"task_id"`
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueueGenerationTask 生成任务入队。
// 队列本身就是背压：同时执行的任务数受 Runner 并发度限制，超出的提交排队等待而不是被拒绝。
func EnqueueGenerationTask(taskID string) error {
	payload, err := json.Marshal(TaskPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeGenerateVideo, payload,
		asynq.MaxRetry(3),             // 投递层面的失败重试（业务失败不走这里）
		asynq.Timeout(60*time.Minute), // 多阶段生成较慢，设置较长超时
		asynq.Retention(24*time.Hour), // 任务结果在 Redis 保留时间
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	logrus.Infof("[Queue] Task Enqueued: TaskID=%s, QueueID=%s", taskID, info.ID)
	return nil
}
