package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"PromptToVideo-server/config"
	"PromptToVideo-server/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProgressEvent 描述任务当前状态的规范快照消息，推送与轮询共用同一结构
type ProgressEvent struct {
	TaskID          string             `json:"task_id"`
	Status          string             `json:"status"`
	Stage           string             `json:"stage,omitempty"`
	StageProgress   int                `json:"stage_progress"`
	OverallProgress int                `json:"overall_progress"`
	Message         string             `json:"message,omitempty"`
	Error           string             `json:"error,omitempty"`
	Result          *models.TaskResult `json:"result,omitempty"`
}

// Terminal 终态快照可被客户端按 TTL 缓存；非终态快照随时会变，不缓存
func (e ProgressEvent) Terminal() bool {
	return e.Status == models.TaskStatusCompleted || e.Status == models.TaskStatusFailed || e.Status == models.TaskStatusCancelled
}

// EventFromTask 任务记录 -> 快照消息
func EventFromTask(t *models.Task) ProgressEvent {
	ev := ProgressEvent{
		TaskID:          t.ID,
		Status:          t.Status,
		OverallProgress: t.OverallProgress,
		Message:         t.Message,
	}
	if stage := t.CurrentStage(); stage != "" {
		ev.Stage = stage
		ev.StageProgress = t.StageProgress[stage]
	}
	if t.Status == models.TaskStatusFailed {
		ev.Error = t.Error
	}
	if t.Status == models.TaskStatusCompleted {
		result := t.Result
		ev.Result = &result
	}
	return ev
}

// Subscription 把一个观察者通道绑定到 task_id 或 user_id。
// 断线重连后需要重新订阅并用 GetStatus 拉一次快照来重新同步。
type Subscription struct {
	C      chan ProgressEvent
	taskID string
	userID string
}

// TaskScoped 是否绑定在单个任务上（用户订阅跨任务，终态事件不意味着结束）
func (s *Subscription) TaskScoped() bool {
	return s.taskID != ""
}

// ProgressBus 订阅登记与扇出。显式对象、作用域生命周期，由 main 注入使用方。
type ProgressBus struct {
	mu     sync.RWMutex
	byTask map[string]map[*Subscription]struct{}
	byUser map[string]map[*Subscription]struct{}

	db    *gorm.DB
	cache *redis.Client
	ttl   time.Duration
}

func NewProgressBus(db *gorm.DB, cache *redis.Client, ttl time.Duration) *ProgressBus {
	return &ProgressBus{
		byTask: make(map[string]map[*Subscription]struct{}),
		byUser: make(map[string]map[*Subscription]struct{}),
		db:     db,
		cache:  cache,
		ttl:    ttl,
	}
}

func (b *ProgressBus) SubscribeTask(taskID string) *Subscription {
	sub := &Subscription{C: make(chan ProgressEvent, 16), taskID: taskID}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byTask[taskID] == nil {
		b.byTask[taskID] = make(map[*Subscription]struct{})
	}
	b.byTask[taskID][sub] = struct{}{}
	return sub
}

func (b *ProgressBus) SubscribeUser(userID string) *Subscription {
	sub := &Subscription{C: make(chan ProgressEvent, 16), userID: userID}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byUser[userID] == nil {
		b.byUser[userID] = make(map[*Subscription]struct{})
	}
	b.byUser[userID][sub] = struct{}{}
	return sub
}

func (b *ProgressBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.taskID != "" {
		if set, ok := b.byTask[sub.taskID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.byTask, sub.taskID)
			}
		}
	}
	if sub.userID != "" {
		if set, ok := b.byUser[sub.userID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.byUser, sub.userID)
			}
		}
	}
}

// Publish 在任务每次状态变更后调用，把快照推给该任务与该用户的全部订阅。
// 投递尽力而为：订阅者通道满则丢弃本条（慢消费者不会阻塞发布方，也不会无限缓冲）。
// 单任务的事件由阶段协调者串行发布，同一订阅者收到的顺序即发布顺序。
func (b *ProgressBus) Publish(task *models.Task) {
	ev := EventFromTask(task)

	b.mu.RLock()
	var targets []*Subscription
	for sub := range b.byTask[task.ID] {
		targets = append(targets, sub)
	}
	// 匿名任务不进用户维度扇出，空 user id 不是合法订阅键
	if task.UserID != "" {
		for sub := range b.byUser[task.UserID] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.C <- ev:
		default:
		}
	}

	if ev.Terminal() {
		b.cacheTerminal(ev)
	}
}

// GetStatus 规范的拉取接口：推送路径的初始快照与轮询端点都走这里，
// 任务当前状态只有这一处事实来源。终态后调用依然安全。
func (b *ProgressBus) GetStatus(ctx context.Context, taskID string) (ProgressEvent, error) {
	if ev, ok := b.cachedTerminal(ctx, taskID); ok {
		return ev, nil
	}

	task, err := models.GetTaskByID(b.db, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ProgressEvent{}, ErrTaskNotFound
		}
		return ProgressEvent{}, err
	}

	ev := EventFromTask(task)
	if ev.Terminal() {
		b.cacheTerminal(ev)
	}
	return ev, nil
}

func terminalCacheKey(taskID string) string {
	return "p2v:task_status:" + taskID
}

func (b *ProgressBus) cacheTerminal(ev ProgressEvent) {
	if b.cache == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.cache.Set(context.Background(), terminalCacheKey(ev.TaskID), data, b.ttl).Err(); err != nil {
		logrus.Warnf("终态快照写缓存失败: %v", err)
	}
}

func (b *ProgressBus) cachedTerminal(ctx context.Context, taskID string) (ProgressEvent, bool) {
	if b.cache == nil {
		return ProgressEvent{}, false
	}
	data, err := b.cache.Get(ctx, terminalCacheKey(taskID)).Bytes()
	if err != nil {
		return ProgressEvent{}, false
	}
	var ev ProgressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ProgressEvent{}, false
	}
	return ev, true
}

var RedisClient *redis.Client

// InitRedis 初始化终态快照缓存用的 Redis 客户端
func InitRedis() {
	RedisClient = redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
	if err := RedisClient.Ping(context.Background()).Err(); err != nil {
		logrus.Fatalf("Redis 连接失败: %v", err)
	}
	logrus.Info("Redis 连接成功")
}
