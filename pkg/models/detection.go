package models

// Coordinates представляет географические координаты
type Coordinates struct {
	Lat float64 `json:"lat"` // Широта
	Lon float64 `json:"lon"` // Долгота
}

// DetectionDTO объект, найденный Python сервисом на кадре
type DetectionDTO struct {
	Class      string     `json:"class"`              // Имя класса, может быть пустым
	ClassID    *int       `json:"class_id,omitempty"` // Индекс класса модели
	Confidence float64    `json:"confidence"`         // Уверенность 0..1
	Box        [4]float64 `json:"box"`                // x1, y1, x2, y2 в пикселях кадра
}

// DetectResponse ответ Python сервиса на POST /detect
type DetectResponse struct {
	Status     string         `json:"status"`            // Статус выполнения (success/error)
	Message    string         `json:"message,omitempty"` // Сообщение об ошибке
	Detections []DetectionDTO `json:"detections"`        // Найденные объекты
}

// HealthResponse представляет ответ проверки здоровья сервиса
type HealthResponse struct {
	Status      string `json:"status"`               // Статус сервиса (healthy/unhealthy)
	ModelLoaded bool   `json:"model_loaded"`         // Загружена ли модель нейронной сети
	ModelPath   string `json:"model_path,omitempty"` // Путь к загруженным весам
	Version     string `json:"version"`              // Версия сервиса
}

// Healthy сервис готов к инференсу
func (h HealthResponse) Healthy() bool {
	return h.Status == "healthy"
}
