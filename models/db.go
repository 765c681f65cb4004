package models

import (
	"time"

	"PromptToVideo-server/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		logrus.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		logrus.Fatalf("GORM 初始化失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		logrus.Fatalf("获取底层连接失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.Ping(); err != nil {
		logrus.Fatalf("连接数据库失败: %v", err)
	}

	GormDB = db
	logrus.Info("数据库连接成功")

	// 自动建表：任务与场景记录需要跨进程重启可查
	if err := GormDB.AutoMigrate(&Task{}, &Scene{}); err != nil {
		logrus.Fatalf("自动建表失败: %v", err)
	}
}
