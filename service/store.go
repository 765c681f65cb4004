package service

import (
	"PromptToVideo-server/models"

	"gorm.io/gorm"
)

// taskStore Runner 对持久层的窄接口，注入以便替换实现
type taskStore interface {
	LoadTask(taskID string) (*models.Task, error)
	SaveTask(t *models.Task) error
	CreateScenes(scenes []models.Scene) error
	UpdateScene(s *models.Scene, updates map[string]interface{}) error
}

type gormTaskStore struct {
	db *gorm.DB
}

func (g gormTaskStore) LoadTask(taskID string) (*models.Task, error) {
	return models.GetTaskByID(g.db, taskID)
}

func (g gormTaskStore) SaveTask(t *models.Task) error {
	return t.SaveState(g.db)
}

func (g gormTaskStore) CreateScenes(scenes []models.Scene) error {
	return models.BatchCreateScenes(g.db, scenes)
}

func (g gormTaskStore) UpdateScene(s *models.Scene, updates map[string]interface{}) error {
	return s.UpdateColumns(g.db, updates)
}
