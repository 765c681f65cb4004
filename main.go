package main

import (
	"PromptToVideo-server/config"
	"PromptToVideo-server/models"
	"PromptToVideo-server/routers"
	"PromptToVideo-server/routers/api"
	"PromptToVideo-server/service"

	"github.com/sirupsen/logrus"
)

func main() {
	config.InitConfig()
	logrus.Infof("Server starting on port %s", config.AppConfig.Server.Port)

	if err := models.SetStageWeights(config.AppConfig.Generation.StageWeights); err != nil {
		logrus.Fatalf("阶段权重配置非法: %v", err)
	}

	models.InitDB()
	service.InitRedis()
	service.InitQueue()
	service.InitMinIO()

	bus := service.NewProgressBus(models.GormDB, service.RedisClient, config.AppConfig.Generation.TerminalCacheTTL.Std())
	runner := service.NewRunner(models.GormDB, bus, service.NewProviderSet())
	runner.Start(config.AppConfig.Generation.MaxRunningTasks)

	h := api.NewHandler(models.GormDB, bus, runner)
	r := routers.InitRouter(h)
	if err := r.Run(config.AppConfig.Server.Port); err != nil {
		logrus.Fatalf("server exited: %v", err)
	}
}
