package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/kayuhara/hibiki/server/adapters"
	"github.com/kayuhara/hibiki/server/adapters/bridge"
	"github.com/kayuhara/hibiki/server/adapters/llm"
	"github.com/kayuhara/hibiki/server/adapters/stt"
	"github.com/kayuhara/hibiki/server/adapters/tts"
	"github.com/kayuhara/hibiki/server/domain/entities"
	"github.com/kayuhara/hibiki/server/domain/repositories"
	"github.com/kayuhara/hibiki/server/internal/api"
	"github.com/kayuhara/hibiki/server/internal/auth"
	"github.com/kayuhara/hibiki/server/internal/websocket"
)

func main() {
	// Load .env if present; real deployments set the environment directly.
	godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Device registry and token issuance
	deviceRepo := adapters.NewMemoryDeviceRepository()
	seedDevices(deviceRepo, logger)

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "development-secret-change-me"
		logger.Warn("JWT_SECRET not set, using development secret")
	}
	tokens := auth.NewTokenService([]byte(secret), envDuration("TOKEN_TTL", 24*time.Hour))

	// Protocol engine
	config := websocket.DefaultConfig()
	config.HandshakeTimeout = envDuration("HANDSHAKE_TIMEOUT", config.HandshakeTimeout)
	config.IdleTimeout = envDuration("SESSION_IDLE_TIMEOUT", config.IdleTimeout)

	hub := websocket.NewHub(buildBridge(logger), tokens, config, logger)
	go hub.Run()

	reaper := websocket.NewSessionReaper(hub, envDuration("REAPER_INTERVAL", time.Minute), logger)
	reaper.Start()
	defer reaper.Stop()

	// Initialize API routes
	api.InitRoutes(e, hub, tokens, deviceRepo, logger)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Voice session server started", zap.String("port", port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// buildBridge wires the full provider pipeline when credentials are present
// and falls back to the scripted bridge otherwise, so the server always
// starts.
func buildBridge(logger *zap.Logger) repositories.ReasoningBridge {
	geminiConfig := llm.NewGeminiConfigFromEnv()
	elevenConfig := tts.NewElevenLabsConfigFromEnv()

	if geminiConfig.APIKey == "" || elevenConfig.APIKey == "" {
		logger.Warn("Provider credentials missing, using scripted reasoning bridge")
		return bridge.NewScriptedBridge()
	}

	llmService, err := llm.NewGeminiLLM(geminiConfig, logger)
	if err != nil {
		logger.Warn("Failed to initialize Gemini, using scripted reasoning bridge", zap.Error(err))
		return bridge.NewScriptedBridge()
	}

	ttsService, err := tts.NewElevenLabsTTS(elevenConfig, logger)
	if err != nil {
		logger.Warn("Failed to initialize Eleven Labs, using scripted reasoning bridge", zap.Error(err))
		return bridge.NewScriptedBridge()
	}

	return bridge.NewPipeline(&stt.GoogleSpeechToText{}, llmService, ttsService, os.Getenv("STT_LANGUAGE"), logger)
}

// seedDevices provisions the development device so the credential exchange
// works out of the box. Production provisioning happens out of band.
func seedDevices(repo *adapters.MemoryDeviceRepository, logger *zap.Logger) {
	serial := os.Getenv("DEVICE_SERIAL")
	secret := os.Getenv("DEVICE_SECRET")
	if serial == "" || secret == "" {
		serial = "HBK-DEV-0001"
		secret = "dev-secret"
		logger.Warn("DEVICE_SERIAL/DEVICE_SECRET not set, seeding development device",
			zap.String("serial", serial))
	}

	device := &entities.Device{
		SerialNumber: serial,
		MacAddress:   os.Getenv("DEVICE_MAC"),
		Model:        "hibiki-speaker",
	}
	if device.MacAddress == "" {
		device.MacAddress = "00:00:00:00:00:01"
	}
	if err := repo.Create(context.Background(), device); err != nil {
		logger.Error("Failed to seed device", zap.Error(err))
		return
	}
	if err := repo.RegisterDeviceSecret(serial, secret); err != nil {
		logger.Error("Failed to register device secret", zap.Error(err))
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
