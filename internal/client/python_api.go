package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"pothole-detector-go/internal/pipeline"
	"pothole-detector-go/pkg/models"
)

// PythonAPIClient клиент для Python сервиса инференса YOLO
type PythonAPIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     logrus.FieldLogger
	names      ClassNames
}

// NewPythonAPIClient создает новый клиент для Python API
func NewPythonAPIClient(baseURL string, timeout time.Duration, logger logrus.FieldLogger) *PythonAPIClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PythonAPIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// WithClassNames задает манифест для ответов, где вместо имени класса пришел индекс
func (c *PythonAPIClient) WithClassNames(names ClassNames) *PythonAPIClient {
	c.names = names
	return c
}

// Load проверяет, что файл весов существует и сервис готов к работе
func (c *PythonAPIClient) Load(ctx context.Context, artifactPath string) (pipeline.Detector, error) {
	if _, err := os.Stat(artifactPath); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrArtifactUnavailable, err)
	}
	health, err := c.CheckHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: python api: %v", pipeline.ErrArtifactUnavailable, err)
	}
	if !health.Healthy() {
		return nil, fmt.Errorf("%w: python api status %q", pipeline.ErrArtifactUnavailable, health.Status)
	}
	c.logger.Infof("Python API готов, версия %s", health.Version)
	return &pythonDetector{client: c, modelPath: artifactPath}, nil
}

// CheckHealth проверяет состояние Python API
func (c *PythonAPIClient) CheckHealth(ctx context.Context) (*models.HealthResponse, error) {
	c.logger.Debug("Проверка здоровья Python API")

	url := fmt.Sprintf("%s/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания HTTP запроса: %w", err)
	}

	var healthResponse models.HealthResponse
	if err := c.do(req, &healthResponse); err != nil {
		return nil, err
	}
	return &healthResponse, nil
}

func (c *PythonAPIClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка отправки HTTP запроса: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Python API вернул ошибку: статус %d, тело: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("ошибка парсинга JSON ответа: %w", err)
	}
	return nil
}

type pythonDetector struct {
	client    *PythonAPIClient
	modelPath string
}

// Infer отправляет кадр в JPEG на POST /detect
func (d *pythonDetector) Infer(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	data, err := encodeFrame(frame)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", fmt.Sprintf("frame_%06d.jpg", frame.Index))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания form field для кадра: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("ошибка записи кадра: %w", err)
	}
	if err := writer.WriteField("model_path", d.modelPath); err != nil {
		return nil, fmt.Errorf("ошибка записи model_path: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("ошибка закрытия multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/detect", d.client.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания HTTP запроса: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp models.DetectResponse
	if err := d.client.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("Python API не смог обработать кадр %d: %s", frame.Index, resp.Message)
	}
	return toDetections(resp.Detections, d.client.names, frame.Image.Bounds())
}

func (d *pythonDetector) Close() error {
	return nil
}
