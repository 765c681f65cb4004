package models

import (
	"time"

	"gorm.io/gorm"
)

// Scene 一个叙事/画面单元，由 generating_scenes 阶段产出，后续阶段只写各自的资源列。
type Scene struct {
	ID     string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TaskID string `gorm:"index;type:varchar(64)" json:"taskId"`
	// Idx 0 起始的展示顺序，任务内唯一
	Idx int `gorm:"column:idx" json:"index"`

	Title        string `json:"title"`
	ScriptText   string `gorm:"type:text" json:"scriptText"`
	VisualPrompt string `gorm:"type:text" json:"visualPrompt"`
	AudioPrompt  string `json:"audioPrompt"`
	MusicPrompt  string `json:"musicPrompt"`

	// Weight 仅供时长分配使用，缺省 1.0
	Weight float64 `json:"weight"`
	// TargetDuration 由分配器一次性写入；ActualDuration 在资产生成/校正后写入
	TargetDuration float64 `json:"targetDuration"`
	ActualDuration float64 `json:"actualDuration"`

	// 各阶段产出的资源引用，按阶段 write-once
	ImageURL      string `json:"imageUrl"`
	SpeechURL     string `json:"speechUrl"`
	MusicURL      string `json:"musicUrl"`
	MixedAudioURL string `json:"mixedAudioUrl"`
	VideoURL      string `json:"videoUrl"`
	FinalURL      string `json:"finalUrl"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func BatchCreateScenes(db *gorm.DB, scenes []Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	return db.Create(&scenes).Error
}

func GetScenesByTaskID(db *gorm.DB, taskID string) ([]Scene, error) {
	var scenes []Scene
	if err := db.Where("task_id = ?", taskID).Order("idx ASC").Find(&scenes).Error; err != nil {
		return nil, err
	}
	return scenes, nil
}

// UpdateColumns 只更新单个场景自己的字段（场景级并发下无需加锁）
func (s *Scene) UpdateColumns(db *gorm.DB, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(s).Updates(updates).Error
}

func (Scene) TableName() string {
	return "scene"
}
