package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/global"
	"chatrelay/logger"
	"chatrelay/service/relay"
	"chatrelay/service/storage"
	"chatrelay/tools/ids"
	"chatrelay/tools/security"
)

func main() {
	cfg := global.Load()

	ids.SetNodeID(cfg.NodeID)

	ctx := context.Background()

	mgo := storage.StartMongo(ctx, storage.MongoConfig{
		URI:         cfg.MongoURI,
		Database:    cfg.MongoDatabase,
		Username:    cfg.MongoUsername,
		Password:    cfg.MongoPassword,
		MaxPoolSize: cfg.MongoMaxPool,
	})
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mgo.WaitReady(waitCtx); err != nil {
		cancel()
		logger.Errorf("[main] mongo not ready: %v", err)
		return
	}
	cancel()

	messages := storage.NewMessageStore(mgo)
	conversations := storage.NewConversationStore(mgo)
	idxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := messages.EnsureIndexes(idxCtx); err != nil {
		logger.Warnf("[main] message indexes: %v", err)
	}
	if err := conversations.EnsureIndexes(idxCtx); err != nil {
		logger.Warnf("[main] conversation indexes: %v", err)
	}
	cancel()

	var presence relay.PresenceTracker
	rdb, err := storage.NewRedis(ctx, storage.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		// Presence is best-effort; the relay works without it.
		logger.Warnf("[main] redis unavailable, presence disabled: %v", err)
	} else {
		presence = storage.NewPresence(rdb, cfg.PresenceTTL)
	}

	registry := relay.NewRegistry()
	rooms := relay.NewRooms()
	fanout := relay.NewFanout(cfg.FanoutWorkers, cfg.FanoutQueue)
	defer fanout.Close()

	router := relay.NewRouter(relay.Deps{
		Registry:      registry,
		Rooms:         rooms,
		Fanout:        fanout,
		Verifier:      security.NewJWTVerifier(security.DefaultOptions(cfg.JWTSecret)),
		Conversations: conversations,
		Messages:      messages,
		Presence:      presence,
	}, relay.RouterConfig{
		HistoryPageSize: cfg.HistoryPageSize,
		CallTimeout:     cfg.CallTimeout,
	})

	server := relay.NewServer(router, relay.ServerConfig{
		SendQueueSize:  cfg.SendQueueSize,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/ws", server.HandleWS)
	engine.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		if !mgo.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"mongo":       mgo.Ready(),
			"connections": registry.Len(),
			"rooms":       rooms.Len(),
		})
	})

	logger.Infof("[main] relay listening on %s", cfg.ListenAddr)
	if err := engine.Run(cfg.ListenAddr); err != nil {
		logger.Errorf("[main] server stopped: %v", err)
	}
}
