package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config структура конфигурации приложения
type Config struct {
	Server struct {
		Port int
		Host string
	}
	Detector struct {
		Backend       string // http или grpc
		BaseURL       string // адрес Python API
		GRPCTarget    string // адрес gRPC сервиса детектора
		ArtifactPath  string // файл весов модели
		Timeout       time.Duration
		MinConfidence float64
		ServeGRPCPort int // 0 - не публиковать детектор по gRPC
	}
	Pipeline struct {
		TargetClass      string
		SnapshotThrottle time.Duration // 0 - режим только меток времени
		FPS              int           // 0 - родная частота видео
		DisplayWidth     int
		DisplayHeight    int
		QueueSize        int
	}
	Database struct {
		Driver   string // postgres или sqlite
		Host     string
		Port     string
		Name     string
		User     string
		Password string
		SSLMode  string
		Path     string // файл sqlite
	}
	MQTT struct {
		Enabled     bool
		Broker      string
		ClientID    string
		TopicPrefix string
		QoS         int
	}
	Dataset struct {
		ManifestPath string // data.yaml, пустой путь - без проверки класса
	}
	Storage struct {
		StaticDir string
	}
	Logging struct {
		Level string
	}
}

// LoadConfig загружает конфигурацию из переменных окружения
func LoadConfig() *Config {
	cfg := &Config{}

	// Конфигурация сервера
	cfg.Server.Port = getEnvInt("SERVER_PORT", 8080)
	cfg.Server.Host = getEnv("SERVER_HOST", "0.0.0.0")

	// Конфигурация детектора
	cfg.Detector.Backend = strings.ToLower(getEnv("DETECTOR_BACKEND", "http"))
	cfg.Detector.BaseURL = getEnv("PYTHON_API_BASE_URL", "http://localhost:8000")
	cfg.Detector.GRPCTarget = getEnv("DETECTOR_GRPC_TARGET", "localhost:9090")
	cfg.Detector.ArtifactPath = getEnv("DETECTOR_ARTIFACT", "best.pt")
	cfg.Detector.Timeout = getEnvDuration("DETECTOR_TIMEOUT", 30*time.Second)
	cfg.Detector.MinConfidence = getEnvFloat("DETECTOR_MIN_CONFIDENCE", 0)
	cfg.Detector.ServeGRPCPort = getEnvInt("DETECTOR_SERVE_GRPC_PORT", 0)

	// Конфигурация конвейера
	cfg.Pipeline.TargetClass = getEnv("TARGET_CLASS", "pothole")
	cfg.Pipeline.SnapshotThrottle = time.Duration(getEnvInt("SNAPSHOT_THROTTLE_MS", 2000)) * time.Millisecond
	cfg.Pipeline.FPS = getEnvInt("FRAME_RATE", 0)
	cfg.Pipeline.DisplayWidth = getEnvInt("DISPLAY_WIDTH", 0)
	cfg.Pipeline.DisplayHeight = getEnvInt("DISPLAY_HEIGHT", 0)
	cfg.Pipeline.QueueSize = getEnvInt("EVENT_QUEUE_SIZE", 64)

	// Конфигурация базы данных
	cfg.Database.Driver = strings.ToLower(getEnv("DB_DRIVER", "postgres"))
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnv("DB_PORT", "5432")
	cfg.Database.Name = getEnv("DB_NAME", "pothole_detector")
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres123")
	cfg.Database.SSLMode = getEnv("DB_SSL_MODE", "disable")
	cfg.Database.Path = getEnv("DB_PATH", "pothole_detector.db")

	// Конфигурация MQTT
	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", false)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "pothole-detector")
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "potholes")
	cfg.MQTT.QoS = getEnvInt("MQTT_QOS", 0)

	cfg.Dataset.ManifestPath = getEnv("DATASET_MANIFEST", "")
	cfg.Storage.StaticDir = getEnv("STATIC_DIR", "./static")

	// Конфигурация логирования
	cfg.Logging.Level = getEnv("LOG_LEVEL", "info")

	return cfg
}

// Validate проверяет согласованность параметров
func (c *Config) Validate() error {
	var err error
	if c.Pipeline.TargetClass == "" {
		err = multierr.Append(err, errors.New("TARGET_CLASS must not be empty"))
	}
	if c.Pipeline.SnapshotThrottle < 0 {
		err = multierr.Append(err, errors.New("SNAPSHOT_THROTTLE_MS must not be negative"))
	}
	if c.Pipeline.FPS < 0 {
		err = multierr.Append(err, errors.New("FRAME_RATE must not be negative"))
	}
	if c.Pipeline.DisplayWidth < 0 || c.Pipeline.DisplayHeight < 0 {
		err = multierr.Append(err, errors.New("display size must not be negative"))
	}
	switch c.Detector.Backend {
	case "http", "grpc":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown DETECTOR_BACKEND %q", c.Detector.Backend))
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		err = multierr.Append(err, errors.New("DETECTOR_MIN_CONFIDENCE must be in [0,1]"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		err = multierr.Append(err, errors.New("MQTT_QOS must be 0, 1 or 2"))
	}
	return err
}

// getEnv получает значение переменной окружения или возвращает значение по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает int значение переменной окружения или возвращает значение по умолчанию
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration принимает "30s", "2m" или число секунд
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
