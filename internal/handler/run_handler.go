package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pothole-detector-go/internal/database"
	"pothole-detector-go/internal/dataset"
	"pothole-detector-go/internal/service"
	"pothole-detector-go/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const healthTimeout = 5 * time.Second

// HealthChecker проверка здоровья сервиса детектора
type HealthChecker interface {
	CheckHealth(ctx context.Context) (*models.HealthResponse, error)
}

// RunHandler обрабатывает HTTP запросы для работы с запусками детекции
type RunHandler struct {
	runService *service.RunService
	detector   HealthChecker // nil - детектор без проверки здоровья
	db         *gorm.DB
	logger     *logrus.Logger
}

// NewRunHandler создает новый экземпляр RunHandler
func NewRunHandler(runService *service.RunService, detector HealthChecker, db *gorm.DB, logger *logrus.Logger) *RunHandler {
	return &RunHandler{
		runService: runService,
		detector:   detector,
		db:         db,
		logger:     logger,
	}
}

// RegisterRoutes регистрирует маршруты API
func (h *RunHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/runs", h.StartRun)
		api.GET("/runs", h.ListRuns)
		api.GET("/runs/:id", h.GetRun)
		api.DELETE("/runs/:id", h.DeleteRun)
		api.POST("/runs/:id/cancel", h.CancelRun)
		api.GET("/runs/:id/events", h.StreamEvents)
		api.GET("/runs/:id/frame.jpg", h.LatestFrame)
		api.GET("/alerts/area", h.GetAlertsByArea)
		api.GET("/health", h.CheckHealth)
	}
}

// StartRun запускает детекцию. Принимает JSON с путем к видео
// или multipart форму с файлом video.
func (h *RunHandler) StartRun(c *gin.Context) {
	h.logger.Info("Получен запрос на запуск детекции")

	var req service.StartRunRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		videoPath, formReq, ok := h.uploadVideo(c)
		if !ok {
			return
		}
		req = formReq
		req.VideoPath = videoPath
	} else if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Ошибка разбора запроса: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат запроса"})
		return
	}

	if req.Route != nil {
		if err := validateCoordinates(req.Route.Start.Lat, req.Route.Start.Lon, req.Route.End.Lat, req.Route.End.Lon); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	run, err := h.runService.StartRun(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err, "Ошибка запуска детекции")
		return
	}

	h.logger.Infof("Запуск %s создан для %s", run.ID, run.VideoPath)
	c.JSON(http.StatusAccepted, run)
}

// uploadVideo сохраняет видео из формы и собирает параметры запуска
func (h *RunHandler) uploadVideo(c *gin.Context) (string, service.StartRunRequest, bool) {
	var req service.StartRunRequest

	// Форма больше 32 MB сбрасывается во временные файлы
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		h.logger.Errorf("Ошибка парсинга multipart form: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ошибка парсинга формы"})
		return "", req, false
	}

	req.TargetClass = getFormValue(c, []string{"target_class", "targetClass"})
	if v := getFormValue(c, []string{"snapshot_throttle_ms", "snapshotThrottleMs"}); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат snapshot_throttle_ms"})
			return "", req, false
		}
		req.SnapshotThrottleMs = &ms
	}

	route, err := formRoute(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", req, false
	}
	req.Route = route

	file, header, err := c.Request.FormFile("video")
	if err != nil {
		h.logger.Errorf("Ошибка получения видео файла: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Видео файл обязателен"})
		return "", req, false
	}
	defer file.Close()

	h.logger.Infof("Получен видео файл %s (%d байт)", header.Filename, header.Size)
	videoPath, err := h.runService.SaveVideo(header.Filename, file)
	if err != nil {
		h.logger.Errorf("Ошибка сохранения видео: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ошибка сохранения видео"})
		return "", req, false
	}
	return videoPath, req, true
}

// formRoute читает координаты маршрута; маршрут задается всеми четырьмя полями или не задается
func formRoute(c *gin.Context) (*service.RouteRequest, error) {
	values := []string{
		getFormValue(c, []string{"start_lat", "startLat"}),
		getFormValue(c, []string{"start_lon", "startLon"}),
		getFormValue(c, []string{"end_lat", "endLat"}),
		getFormValue(c, []string{"end_lon", "endLon"}),
	}
	names := []string{"start_lat", "start_lon", "end_lat", "end_lon"}

	empty := 0
	for _, v := range values {
		if v == "" {
			empty++
		}
	}
	if empty == len(values) {
		return nil, nil
	}

	coords := make([]float64, len(values))
	for i, v := range values {
		f, err := parseFloat(v, names[i])
		if err != nil {
			return nil, err
		}
		coords[i] = f
	}
	return &service.RouteRequest{
		Start: models.Coordinates{Lat: coords[0], Lon: coords[1]},
		End:   models.Coordinates{Lat: coords[2], Lon: coords[3]},
	}, nil
}

// ListRuns возвращает список запусков с пагинацией
func (h *RunHandler) ListRuns(c *gin.Context) {
	pageStr := c.DefaultQuery("page", "1")
	sizeStr := c.DefaultQuery("size", "10")

	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		page = 1
	}

	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 1 || size > 100 {
		size = 10
	}

	resp, err := h.runService.ListRuns(page, size)
	if err != nil {
		h.respondError(c, err, "Ошибка получения списка запусков")
		return
	}

	h.logger.Infof("Возвращено %d запусков из %d", len(resp.Runs), resp.Total)
	c.JSON(http.StatusOK, resp)
}

// GetRun возвращает запуск по ID
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runService.GetRun(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Запуск не найден")
		return
	}
	c.JSON(http.StatusOK, run)
}

// DeleteRun удаляет завершенный запуск
func (h *RunHandler) DeleteRun(c *gin.Context) {
	runID := c.Param("id")
	h.logger.Infof("Получен запрос на удаление запуска с ID: %s", runID)

	if err := h.runService.DeleteRun(runID); err != nil {
		h.respondError(c, err, "Ошибка удаления запуска")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Запуск успешно удален"})
}

// CancelRun запрашивает остановку запуска
func (h *RunHandler) CancelRun(c *gin.Context) {
	runID := c.Param("id")
	if err := h.runService.CancelRun(runID); err != nil {
		h.respondError(c, err, "Ошибка остановки запуска")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Остановка запрошена", "id": runID})
}

// StreamEvents отдает события запуска как server-sent events.
// Поток заканчивается терминальным событием или отключением клиента.
func (h *RunHandler) StreamEvents(c *gin.Context) {
	runID := c.Param("id")
	events, unsubscribe, err := h.runService.Subscribe(runID)
	if err != nil {
		h.respondError(c, err, "Запуск не найден")
		return
	}
	defer unsubscribe()

	h.logger.Infof("Клиент подписан на события запуска %s", runID)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(msg.Type, msg)
			return !msg.Terminal()
		case <-ctx.Done():
			return false
		}
	})
	h.logger.Infof("Поток событий запуска %s закрыт", runID)
}

// LatestFrame возвращает последний кадр активного запуска
func (h *RunHandler) LatestFrame(c *gin.Context) {
	data, err := h.runService.LatestFrame(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Кадр недоступен")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetAlertsByArea возвращает геопривязанные тревоги в указанной области
func (h *RunHandler) GetAlertsByArea(c *gin.Context) {
	names := []string{"ne_lat", "ne_lon", "sw_lat", "sw_lon"}
	coords := make([]float64, len(names))
	for i, name := range names {
		v, err := parseFloat(c.Query(name), name)
		if err != nil {
			h.logger.Errorf("Неверные параметры области: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		coords[i] = v
	}

	resp, err := h.runService.AlertsByArea(
		models.Coordinates{Lat: coords[0], Lon: coords[1]},
		models.Coordinates{Lat: coords[2], Lon: coords[3]},
	)
	if err != nil {
		h.respondError(c, err, "Ошибка получения тревог")
		return
	}

	h.logger.Infof("Найдено %d тревог в указанной области", resp.Total)
	c.JSON(http.StatusOK, resp)
}

// CheckHealth проверяет состояние базы данных и сервиса детектора
func (h *RunHandler) CheckHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	health := gin.H{
		"status":      "healthy",
		"active_runs": h.runService.ActiveRuns(),
	}
	statusCode := http.StatusOK

	if h.db != nil {
		if err := database.HealthCheck(h.db); err != nil {
			h.logger.Errorf("База данных недоступна: %v", err)
			health["status"] = "unhealthy"
			health["database"] = err.Error()
			statusCode = http.StatusServiceUnavailable
		} else {
			health["database"] = "ok"
		}
	}

	if h.detector != nil {
		detector, err := h.detector.CheckHealth(ctx)
		switch {
		case err != nil:
			h.logger.Errorf("Сервис детектора недоступен: %v", err)
			health["status"] = "unhealthy"
			health["detector"] = gin.H{"status": "unavailable", "error": err.Error()}
			statusCode = http.StatusServiceUnavailable
		case !detector.Healthy():
			health["status"] = "unhealthy"
			health["detector"] = detector
			statusCode = http.StatusServiceUnavailable
		default:
			health["detector"] = detector
		}
	}

	c.JSON(statusCode, health)
}

// respondError переводит ошибку сервиса в HTTP статус
func (h *RunHandler) respondError(c *gin.Context, err error, message string) {
	statusCode := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrRunNotFound), errors.Is(err, service.ErrNoFrame):
		statusCode = http.StatusNotFound
	case errors.Is(err, service.ErrRunInProgress), errors.Is(err, service.ErrRunFinished):
		statusCode = http.StatusConflict
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, dataset.ErrUnknownClass):
		statusCode = http.StatusBadRequest
	}

	if statusCode == http.StatusInternalServerError {
		h.logger.Errorf("%s: %v", message, err)
	} else {
		h.logger.Warnf("%s: %v", message, err)
	}
	c.JSON(statusCode, gin.H{"error": message, "details": err.Error()})
}

// getFormValue получает значение из формы, пробуя разные варианты ключей
func getFormValue(c *gin.Context, keys []string) string {
	for _, key := range keys {
		if value := c.PostForm(key); value != "" {
			return value
		}
	}
	return ""
}

// parseFloat парсит строку в float64
func parseFloat(value, fieldName string) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("%s обязателен", fieldName)
	}

	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s должен быть числом", fieldName)
	}

	return result, nil
}

// validateCoordinates валидирует координаты
func validateCoordinates(startLat, startLon, endLat, endLon float64) error {
	if startLat < -90 || startLat > 90 {
		return fmt.Errorf("start_lat должен быть в диапазоне от -90 до 90")
	}
	if startLon < -180 || startLon > 180 {
		return fmt.Errorf("start_lon должен быть в диапазоне от -180 до 180")
	}
	if endLat < -90 || endLat > 90 {
		return fmt.Errorf("end_lat должен быть в диапазоне от -90 до 90")
	}
	if endLon < -180 || endLon > 180 {
		return fmt.Errorf("end_lon должен быть в диапазоне от -180 до 180")
	}

	return nil
}
