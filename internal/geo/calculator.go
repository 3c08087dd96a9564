package geo

import (
	"math"

	"pothole-detector-go/pkg/models"
)

// Calculator для географических вычислений
type Calculator struct{}

// NewCalculator создает новый калькулятор
func NewCalculator() *Calculator {
	return &Calculator{}
}

// DistanceMeters вычисляет расстояние между двумя точками в метрах
// Использует формулу гаверсинуса
func (c *Calculator) DistanceMeters(point1, point2 models.Coordinates) float64 {
	const earthRadiusKm = 6371.0

	// Преобразуем градусы в радианы
	lat1Rad := point1.Lat * math.Pi / 180
	lon1Rad := point1.Lon * math.Pi / 180
	lat2Rad := point2.Lat * math.Pi / 180
	lon2Rad := point2.Lon * math.Pi / 180

	deltaLat := lat2Rad - lat1Rad
	deltaLon := lon2Rad - lon1Rad

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	chord := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * chord * 1000
}

// PointAt точка на отрезке start-end, ratio от 0 до 1 (значения вне диапазона обрезаются)
func (c *Calculator) PointAt(start, end models.Coordinates, ratio float64) models.Coordinates {
	ratio = math.Max(0, math.Min(1, ratio))
	return models.Coordinates{
		Lat: start.Lat + (end.Lat-start.Lat)*ratio,
		Lon: start.Lon + (end.Lon-start.Lon)*ratio,
	}
}
