package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pothole-detector-go/internal/client"
	"pothole-detector-go/internal/config"
	"pothole-detector-go/internal/database"
	"pothole-detector-go/internal/dataset"
	"pothole-detector-go/internal/frames"
	"pothole-detector-go/internal/handler"
	"pothole-detector-go/internal/model"
	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/internal/repository"
	"pothole-detector-go/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Инициализируем логгер
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.LoadConfig()
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Неизвестный уровень логирования %q, используется info", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Некорректная конфигурация: %v", err)
	}

	logger.Info("Запуск Pothole Detector API Server")

	// Инициализируем базу данных
	logger.Info("Подключение к базе данных...")
	db, err := database.Connect(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Name,
		Username: cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		Path:     cfg.Database.Path,
	}, logger)
	if err != nil {
		logger.Fatalf("Ошибка подключения к базе данных: %v", err)
	}
	defer database.Close(db)

	// Выполняем миграции
	logger.Info("Выполнение миграций базы данных...")
	if err := database.Migrate(db); err != nil {
		logger.Fatalf("Ошибка выполнения миграций: %v", err)
	}
	if err := database.HealthCheck(db); err != nil {
		logger.Fatalf("База данных недоступна: %v", err)
	}

	runRepo := repository.NewRunRepository(db)
	if n, err := runRepo.MarkInterrupted(model.ReasonInterrupted); err != nil {
		logger.Errorf("Не удалось пометить прерванные запуски: %v", err)
	} else if n > 0 {
		logger.Warnf("Помечено прерванными %d запусков с прошлого старта", n)
	}
	logger.Info("База данных успешно подключена и готова к работе")

	// Манифест датасета задает имена классов детектора
	var manifest *dataset.Manifest
	if cfg.Dataset.ManifestPath != "" {
		manifest, err = dataset.Load(cfg.Dataset.ManifestPath)
		if err != nil {
			logger.Fatalf("Ошибка загрузки манифеста датасета: %v", err)
		}
		if !manifest.HasClass(cfg.Pipeline.TargetClass) {
			logger.Fatalf("Класс %q отсутствует в манифесте %s", cfg.Pipeline.TargetClass, cfg.Dataset.ManifestPath)
		}
		logger.Infof("Загружен манифест датасета: %d классов", manifest.NC)
	}

	// Создаем папку для статических файлов
	if err := os.MkdirAll(cfg.Storage.StaticDir, 0755); err != nil {
		logger.Fatalf("Ошибка создания папки для статических файлов: %v", err)
	}

	loader, health, closeLoader := newDetectorLoader(cfg, manifest, logger)
	defer closeLoader()

	runService := service.NewRunService(runRepo, client.WithScoreFilter(loader, cfg.Detector.MinConfidence),
		func(videoPath string) pipeline.FrameSource {
			return frames.Open(videoPath, cfg.Pipeline.FPS, logger)
		},
		logger,
		service.Options{
			TargetClass:      cfg.Pipeline.TargetClass,
			SnapshotThrottle: cfg.Pipeline.SnapshotThrottle,
			ArtifactPath:     cfg.Detector.ArtifactPath,
			DisplayWidth:     cfg.Pipeline.DisplayWidth,
			DisplayHeight:    cfg.Pipeline.DisplayHeight,
			QueueSize:        cfg.Pipeline.QueueSize,
			StaticDir:        cfg.Storage.StaticDir,
			Manifest:         manifest,
		})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MQTT.Enabled {
		publisher := client.NewMQTTPublisher(client.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, logger)
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := publisher.Connect(connectCtx); err != nil {
			logger.Warnf("MQTT брокер недоступен, подключение продолжится в фоне: %v", err)
		}
		cancel()
		defer publisher.Close()
		runService.SetPublisher(publisher)
	}

	var grpcServer *grpc.Server
	if cfg.Detector.ServeGRPCPort > 0 {
		grpcServer, err = serveDetector(cfg.Detector.ServeGRPCPort, loader, logger)
		if err != nil {
			logger.Fatalf("Ошибка запуска gRPC сервера детектора: %v", err)
		}
	}

	// Настраиваем Gin router
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Добавляем middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Обслуживание статических файлов
	router.Static("/static", cfg.Storage.StaticDir)

	// Регистрируем маршруты
	handler.NewRunHandler(runService, health, db, logger).RegisterRoutes(router)

	// Добавляем базовый маршрут для проверки
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Pothole Detector API Server",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	// Запускаем сервер
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: serverAddr, Handler: router}
	go func() {
		logger.Infof("Сервер запущен на %s", serverAddr)
		logger.Infof("API доступно по адресу: http://localhost:%d/api/v1", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Ошибка запуска сервера: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Получен сигнал остановки, завершаем запуски")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Сначала останавливаются запуски: их итоги сохраняются и уходят подписчикам SSE
	if err := runService.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Не все запуски завершились: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Ошибка остановки HTTP сервера: %v", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	logger.Info("Сервер остановлен")
}

// newDetectorLoader создает загрузчик детектора для выбранного бэкенда
func newDetectorLoader(cfg *config.Config, manifest *dataset.Manifest, logger *logrus.Logger) (pipeline.DetectorLoader, handler.HealthChecker, func()) {
	switch cfg.Detector.Backend {
	case "grpc":
		l, err := client.DialGRPCDetector(cfg.Detector.GRPCTarget, logger)
		if err != nil {
			logger.Fatalf("Ошибка подключения к gRPC детектору: %v", err)
		}
		if manifest != nil {
			l.WithClassNames(manifest)
		}
		logger.Infof("Детектор: gRPC %s", cfg.Detector.GRPCTarget)
		return l, nil, func() {
			if err := l.Close(); err != nil {
				logger.Warnf("Ошибка закрытия соединения с детектором: %v", err)
			}
		}
	default:
		c := client.NewPythonAPIClient(cfg.Detector.BaseURL, cfg.Detector.Timeout, logger)
		if manifest != nil {
			c.WithClassNames(manifest)
		}
		logger.Infof("Детектор: Python API %s", cfg.Detector.BaseURL)
		return c, c, func() {}
	}
}

// serveDetector публикует загрузчик детектора как gRPC сервис detector.v1.Detector
func serveDetector(port int, loader pipeline.DetectorLoader, logger *logrus.Logger) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s := grpc.NewServer()
	client.RegisterDetectorServer(s, client.NewLoaderServer(loader, logger))
	go func() {
		logger.Infof("gRPC сервис детектора запущен на порту %d", port)
		if err := s.Serve(lis); err != nil {
			logger.Errorf("gRPC сервер остановлен с ошибкой: %v", err)
		}
	}()
	return s, nil
}

// corsMiddleware добавляет заголовки CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
