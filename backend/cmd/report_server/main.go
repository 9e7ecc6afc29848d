package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/collab"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/httpapi/handlers"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/httpapi/middleware"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/limiter"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/presence"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/store"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/ws"
)

type ReportConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Presence struct {
		StaleSeconds int `mapstructure:"staleSeconds"`
		SweepSeconds int `mapstructure:"sweepSeconds"`
	} `mapstructure:"Presence"`
	Limiter struct {
		WindowSeconds int `mapstructure:"windowSeconds"`
		MaxAttempts   int `mapstructure:"maxAttempts"`
	} `mapstructure:"Limiter"`
}

func initConfig() (*ReportConfig, error) {
	cfg := &ReportConfig{}
	v := viper.New()
	v.SetConfigName("reportConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	kafkaCfg := sarama.NewConfig()
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.KafkaDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	})
	defer dispatcher.Close()

	reportStore := store.NewReportStore(db)
	resolver := session.NewRedisStore(rdb)

	hub := ws.NewHub()
	tracker := presence.NewTracker(hub, time.Duration(cfg.Presence.StaleSeconds)*time.Second)
	tracker.Start(time.Duration(cfg.Presence.SweepSeconds) * time.Second)
	defer tracker.Stop()

	lim := limiter.New(time.Duration(cfg.Limiter.WindowSeconds)*time.Second, cfg.Limiter.MaxAttempts)
	lim.Start(limiter.DefaultSweepEvery)
	defer lim.Stop()

	gate := collab.NewGate(reportStore, hub, dispatcher)
	manager := ws.NewManager(hub, tracker)
	reportHandler := handlers.NewReportHandler(reportStore, gate)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	auth := middleware.Auth(nil, resolver)

	v1 := r.Group("/v1", auth)
	v1.GET("/reports/:id", reportHandler.Get)
	v1.POST("/reports", reportHandler.Create)
	v1.PUT("/reports/:id", reportHandler.Update)
	v1.PUT("/reports/:id/analysis", reportHandler.UpdateAnalysis)

	// Connection upgrades are the only path behind the rate limiter.
	collabGroup := r.Group("/collab", middleware.Auth(lim, resolver))
	collabGroup.GET("/ws", manager.WebSocketConnect)

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
