package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 任务状态（系统中统一使用这些状态）
// 非终态即当前所处阶段名，终态为 completed / failed / cancelled
const (
	// pending: 任务已创建，等待执行器取走执行
	TaskStatusPending = "pending"

	StageAnalyzingPrompt  = "analyzing_prompt"
	StageGeneratingScenes = "generating_scenes"
	StageGeneratingImages = "generating_images"
	StageGeneratingAudio  = "generating_audio"
	StageGeneratingMusic  = "generating_music"
	StageAssemblingVideo  = "assembling_video"

	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	// cancelled: 用户主动取消，区别于 failed，不记录 error
	TaskStatusCancelled = "cancelled"
)

// StageOrder 阶段的固定执行顺序。顺序静态可查，不做运行时字符串派发。
var StageOrder = []string{
	StageAnalyzingPrompt,
	StageGeneratingScenes,
	StageGeneratingImages,
	StageGeneratingAudio,
	StageGeneratingMusic,
	StageAssemblingVideo,
}

// defaultStageWeights 阶段权重表（和为 100），整体进度 = 各阶段进度加权和。
// 生图与合成远慢于 prompt 分析，权重按经验成本拉开。
var defaultStageWeights = map[string]int{
	StageAnalyzingPrompt:  5,
	StageGeneratingScenes: 10,
	StageGeneratingImages: 30,
	StageGeneratingAudio:  15,
	StageGeneratingMusic:  10,
	StageAssemblingVideo:  30,
}

var stageWeights = defaultStageWeights

// SetStageWeights 用配置覆盖权重表。必须覆盖全部阶段且和为 100。
func SetStageWeights(weights map[string]int) error {
	if len(weights) == 0 {
		stageWeights = defaultStageWeights
		return nil
	}
	sum := 0
	for _, stage := range StageOrder {
		w, ok := weights[stage]
		if !ok {
			return fmt.Errorf("stage weight missing for %s", stage)
		}
		if w < 0 {
			return fmt.Errorf("stage weight for %s must be >= 0", stage)
		}
		sum += w
	}
	if sum != 100 {
		return fmt.Errorf("stage weights must sum to 100, got %d", sum)
	}
	stageWeights = weights
	return nil
}

type Task struct {
	ID     string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID string `gorm:"index;type:varchar(64)" json:"userId"`
	Prompt string `gorm:"type:text" json:"prompt"`
	Config TaskConfig `gorm:"type:json" json:"config"`

	Status string `json:"status"`
	// StageProgress 阶段名 -> 百分比。进入新阶段时该阶段清零，已完成阶段钉在 100。
	StageProgress   StageProgress `gorm:"type:json" json:"stageProgress"`
	OverallProgress int           `json:"overallProgress"`
	Message         string        `json:"message"`
	Error           string        `json:"error"`
	Result          TaskResult    `gorm:"type:json" json:"result"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskConfig 创建后不可变的生成参数
type TaskConfig struct {
	AspectRatio   string  `json:"aspect_ratio"`
	TotalDuration float64 `json:"total_duration"`
	Style         string  `json:"style"`
	SceneCount    int     `json:"scene_count,omitempty"`
}

// TaskResult 仅保留最终资源定位信息
type TaskResult struct {
	VideoURL     string  `json:"video_url,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
}

type StageProgress map[string]int

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (c TaskConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (c *TaskConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, c)
}

func (r TaskResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *TaskResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, r)
}

func (p StageProgress) Value() (driver.Value, error) {
	if p == nil {
		p = StageProgress{}
	}
	return json.Marshal(p)
}

func (p *StageProgress) Scan(value interface{}) error {
	if value == nil {
		*p = StageProgress{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, p)
}

// IsTerminal 终态任务不再接受任何状态变更
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed || t.Status == TaskStatusCancelled
}

// CurrentStage 当前所处阶段名，pending 或终态返回空串
func (t *Task) CurrentStage() string {
	for _, stage := range StageOrder {
		if t.Status == stage {
			return stage
		}
	}
	return ""
}

// EnterNextStage 推进到下一个阶段。
// 仅当当前阶段进度达到 100（或任务仍为 pending）时允许推进；上一阶段进度钉在 100。
func (t *Task) EnterNextStage() (string, error) {
	if t.IsTerminal() {
		return "", fmt.Errorf("task %s is terminal (%s), cannot advance", t.ID, t.Status)
	}
	if t.StageProgress == nil {
		t.StageProgress = StageProgress{}
	}
	next := StageOrder[0]
	if cur := t.CurrentStage(); cur != "" {
		if t.StageProgress[cur] != 100 {
			return "", fmt.Errorf("stage %s at %d%%, cannot advance", cur, t.StageProgress[cur])
		}
		idx := stageIndex(cur)
		if idx == len(StageOrder)-1 {
			return "", fmt.Errorf("stage %s is the last stage", cur)
		}
		next = StageOrder[idx+1]
	}
	t.Status = next
	t.StageProgress[next] = 0
	t.OverallProgress = computeOverall(t.StageProgress)
	t.UpdatedAt = time.Now()
	return next, nil
}

// SetStageProgress 更新当前阶段进度。阶段内单调不减，且只允许写当前阶段。
func (t *Task) SetStageProgress(stage string, pct int) error {
	if t.IsTerminal() {
		return fmt.Errorf("task %s is terminal (%s)", t.ID, t.Status)
	}
	if stage != t.CurrentStage() {
		return fmt.Errorf("stage %s is not current (%s)", stage, t.Status)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if t.StageProgress == nil {
		t.StageProgress = StageProgress{}
	}
	if pct < t.StageProgress[stage] {
		// 阶段内进度不回退
		return nil
	}
	t.StageProgress[stage] = pct
	t.OverallProgress = computeOverall(t.StageProgress)
	t.UpdatedAt = time.Now()
	return nil
}

// MarkCompleted 最后一个阶段成功后写入结果并收尾
func (t *Task) MarkCompleted(result TaskResult) error {
	if t.IsTerminal() {
		return fmt.Errorf("task %s is terminal (%s)", t.ID, t.Status)
	}
	t.Status = TaskStatusCompleted
	t.Result = result
	t.OverallProgress = 100
	t.Message = "generation finished"
	t.UpdatedAt = time.Now()
	return nil
}

// MarkFailed 记录出错阶段与原因。failed 为终态，任务只能整体重新提交。
func (t *Task) MarkFailed(stage string, msg string) error {
	if t.IsTerminal() {
		return fmt.Errorf("task %s is terminal (%s)", t.ID, t.Status)
	}
	t.Status = TaskStatusFailed
	t.Error = fmt.Sprintf("[%s] %s", stage, msg)
	t.Message = "generation failed"
	t.UpdatedAt = time.Now()
	return nil
}

// MarkCancelled 协作式取消收尾，不写 error
func (t *Task) MarkCancelled() error {
	if t.IsTerminal() {
		return fmt.Errorf("task %s is terminal (%s)", t.ID, t.Status)
	}
	t.Status = TaskStatusCancelled
	t.Message = "generation cancelled"
	t.UpdatedAt = time.Now()
	return nil
}

func stageIndex(stage string) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

func computeOverall(progress StageProgress) int {
	total := 0
	for _, stage := range StageOrder {
		total += stageWeights[stage] * progress[stage]
	}
	return total / 100
}

// ---- 持久化 ----

func CreateTask(db *gorm.DB, t *Task) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.StageProgress == nil {
		t.StageProgress = StageProgress{}
	}
	return db.Create(t).Error
}

func GetTaskByID(db *gorm.DB, taskID string) (*Task, error) {
	var task Task
	if err := db.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func ListTasksByUser(db *gorm.DB, userID string) ([]Task, error) {
	var tasks []Task
	if err := db.Where("user_id = ?", userID).Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveState 把状态机的当前可变字段写回数据库
func (t *Task) SaveState(db *gorm.DB) error {
	return db.Model(t).Updates(map[string]interface{}{
		"status":           t.Status,
		"stage_progress":   t.StageProgress,
		"overall_progress": t.OverallProgress,
		"message":          t.Message,
		"error":            t.Error,
		"result":           t.Result,
		"updated_at":       time.Now(),
	}).Error
}

// 强制指定表名为 "task"
func (Task) TableName() string {
	return "task"
}
