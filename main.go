package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"jddb-backend/internal/config"
	"jddb-backend/internal/database"
	"jddb-backend/internal/feed"
	"jddb-backend/internal/handlers"
	"jddb-backend/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

var startTime = time.Now()

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Printf("Migration error: %v", err)
	}

	pub, err := feed.Connect(context.Background(), cfg.RedisAddr)
	if err != nil {
		log.Printf("Operation feed disabled: %v", err)
	}
	defer pub.Close()

	store := database.NewSnapshotStore(db)
	hub := websocket.NewHub(websocket.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedHeartbeats:  cfg.MissedHeartbeats,
		IdleTimeout:       cfg.IdleTimeout,
		PresenceGrace:     cfg.PresenceGrace,
		TypingTTL:         cfg.TypingTTL,
		SnapshotEvery:     cfg.SnapshotEvery,
	}, store, pub)

	r := gin.Default()

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", cfg.FrontendURL)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	r.GET("/status", func(c *gin.Context) {
		uptime := time.Since(startTime).Seconds()
		dbStatus := "ok"
		if err := db.PingContext(c.Request.Context()); err != nil {
			dbStatus = "error"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"uptime_seconds": uptime,
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
			"database":       dbStatus,
		})
	})

	api := r.Group("/api")
	handlers.SetupRoutes(api, store, hub)

	log.Printf("Server starting on port %s", cfg.Port)
	log.Fatal(r.Run(":" + cfg.Port))
}
