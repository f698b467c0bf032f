package main

import (
	"log"

	"github.com/gin-gonic/gin"

	"cardgame_web/internal/api"
	"cardgame_web/internal/models"
	"cardgame_web/internal/repository"
	"cardgame_web/internal/service"
	"cardgame_web/internal/storage"
	"cardgame_web/internal/utils"
	"cardgame_web/pkg/config"
	"cardgame_web/pkg/logger"
)

func main() {
	// 載入應用程式配置
	// 從配置文件中讀取設置，如數據庫連接信息和服務器地址等
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化 logger
	zapLogger, err := logger.New()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	utils.SetJWTSecret(cfg.JWT.Secret)

	// 初始化資料庫連接
	// 使用配置中的信息建立到 PostgreSQL 數據庫的連接
	db, err := storage.NewPostgresDB(cfg.DB.Host, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.Port)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	// 確保在程序結束時關閉數據庫連接
	defer db.Close()

	// 自動遷移資料庫結構
	// 根據定義的模型自動創建或更新數據庫表結構
	if err := db.AutoMigrate(
		&models.User{},
		&models.GameSession{},
		&models.PlayerSession{},
		&models.SessionResponse{},
		&models.GameEvent{},
	); err != nil {
		log.Fatalf("Failed to auto migrate database: %v", err)
	}

	// 初始化 redis：訂閱頻道與在線心跳都靠它
	redisClient, err := storage.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to initialize redis: %v", err)
	}
	defer redisClient.Close()

	// 初始化 repositories
	repos := repository.NewRepositories(db)

	// 初始化 services
	services := service.NewServices(repos, redisClient,
		cfg.Presence.HeartbeatTTL, cfg.Presence.SyncInterval, zapLogger)

	// 設置 Gin 路由
	r := gin.Default()
	api.SetupRoutes(r, services, repos, zapLogger)

	// 啟動伺服器
	// 使用配置中指定的地址啟動 HTTP 服務器
	if err := r.Run(cfg.Server.Address); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}
