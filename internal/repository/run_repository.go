package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pothole-detector-go/internal/model"
)

// ErrNotFound запись не найдена
var ErrNotFound = errors.New("not found")

// RunRepository интерфейс для работы с запусками детекции
type RunRepository interface {
	Create(run *model.Run) error
	GetByID(id string) (*model.Run, error)
	List(page, pageSize int) ([]*model.Run, int64, error)
	AddSnapshot(snapshot *model.Snapshot) error
	Finish(run *model.Run, alerts []model.Alert) error
	Delete(id string) error
	GetAlertsByArea(northEast, southWest Coordinates) ([]*model.Alert, error)
	MarkInterrupted(reason string) (int64, error)
}

// Coordinates представляет координаты точки
type Coordinates struct {
	Lat float64
	Lon float64
}

// runRepository реализация RunRepository
type runRepository struct {
	db *gorm.DB
}

// NewRunRepository создает новый instance RunRepository
func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{
		db: db,
	}
}

// Create создает запись о запуске
func (r *runRepository) Create(run *model.Run) error {
	if err := r.db.Create(run).Error; err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetByID получает запуск по ID вместе с тревогами и снимками
func (r *runRepository) GetByID(id string) (*model.Run, error) {
	var run model.Run
	err := r.db.
		Preload("Alerts", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp_ms ASC") }).
		Preload("Snapshots", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp_ms ASC") }).
		Where("id = ?", id).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run with id %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// List получает список запусков с пагинацией, новые первыми
func (r *runRepository) List(page, pageSize int) ([]*model.Run, int64, error) {
	var runs []*model.Run
	var total int64

	// Подсчитываем общее количество
	if err := r.db.Model(&model.Run{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	offset := (page - 1) * pageSize
	err := r.db.
		Offset(offset).
		Limit(pageSize).
		Order("created_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, total, nil
}

// AddSnapshot сохраняет снимок и увеличивает счетчик снимков запуска
func (r *runRepository) AddSnapshot(snapshot *model.Snapshot) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(snapshot).Error; err != nil {
			return fmt.Errorf("failed to create snapshot: %w", err)
		}
		err := tx.Model(&model.Run{}).
			Where("id = ?", snapshot.RunID).
			UpdateColumn("snapshots_count", gorm.Expr("snapshots_count + ?", 1)).Error
		if err != nil {
			return fmt.Errorf("failed to update snapshots count: %w", err)
		}
		return nil
	})
}

// Finish сохраняет итог запуска и тревоги одной транзакцией
func (r *runRepository) Finish(run *model.Run, alerts []model.Alert) error {
	tx := r.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	err := tx.Model(&model.Run{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
		"state":            run.State,
		"failure_reason":   run.FailureReason,
		"frames_processed": run.FramesProcessed,
		"alert_frames":     run.AlertFrames,
		"dropped_frames":   run.DroppedFrames,
		"duration_ms":      run.DurationMs,
		"finished_at":      run.FinishedAt,
	}).Error
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update run: %w", err)
	}

	for i := range alerts {
		alerts[i].ID = 0 // Обнуляем ID для auto-increment
		alerts[i].RunID = run.ID
		if err := tx.Create(&alerts[i]).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create alert %d: %w", i, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	run.Alerts = alerts
	return nil
}

// Delete удаляет запуск вместе с тревогами и снимками
func (r *runRepository) Delete(id string) error {
	tx := r.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	if err := tx.Where("run_id = ?", id).Delete(&model.Alert{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete alerts: %w", err)
	}
	if err := tx.Where("run_id = ?", id).Delete(&model.Snapshot{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}

	result := tx.Where("id = ?", id).Delete(&model.Run{})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("run with id %s: %w", id, ErrNotFound)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetAlertsByArea получает геопривязанные тревоги в заданной области
func (r *runRepository) GetAlertsByArea(northEast, southWest Coordinates) ([]*model.Alert, error) {
	var alerts []*model.Alert

	err := r.db.
		Joins("JOIN runs ON runs.id = alerts.run_id AND runs.deleted_at IS NULL").
		Where("alerts.has_location = ?", true).
		Where("alerts.lat BETWEEN ? AND ? AND alerts.lon BETWEEN ? AND ?",
			southWest.Lat, northEast.Lat, southWest.Lon, northEast.Lon).
		Order("alerts.run_id, alerts.timestamp_ms").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get alerts by area: %w", err)
	}

	return alerts, nil
}

// MarkInterrupted помечает запуски, оставшиеся в состоянии running после перезапуска сервиса
func (r *runRepository) MarkInterrupted(reason string) (int64, error) {
	now := time.Now()
	result := r.db.Model(&model.Run{}).
		Where("state = ?", model.RunStateRunning).
		Updates(map[string]interface{}{
			"state":          model.RunStateFailed,
			"failure_reason": reason,
			"finished_at":    &now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
