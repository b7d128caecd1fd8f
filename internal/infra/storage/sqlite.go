package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pricebook/internal/domain"
)

// Storage keeps the instrument catalog and inconsistency reports
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite catalog at path
func NewStorage(path string) (*Storage, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.InstrumentInfo{}, &domain.InconsistencyReport{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Instrument Catalog
// ======================================================================================

// UpsertInstrument creates or updates catalog metadata
func (s *Storage) UpsertInstrument(info *domain.InstrumentInfo) error {
	return s.db.Save(info).Error
}

// GetInstrument retrieves catalog metadata by instrument name
func (s *Storage) GetInstrument(instrument string) (*domain.InstrumentInfo, error) {
	var info domain.InstrumentInfo
	err := s.db.First(&info, "instrument = ?", instrument).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &info, err
}

// GetAllInstruments retrieves all catalog rows ordered by name
func (s *Storage) GetAllInstruments() ([]domain.InstrumentInfo, error) {
	var infos []domain.InstrumentInfo
	err := s.db.Order("instrument").Find(&infos).Error
	return infos, err
}

// SetActive marks whether a feed worker currently records the instrument
func (s *Storage) SetActive(instrument string, active bool) error {
	res := s.db.Model(&domain.InstrumentInfo{}).
		Where("instrument = ?", instrument).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteInstrument removes an instrument from the catalog
func (s *Storage) DeleteInstrument(instrument string) error {
	return s.db.Where("instrument = ?", instrument).Delete(&domain.InstrumentInfo{}).Error
}

// ======================================================================================
// Inconsistency Reports
// ======================================================================================

// AddReport stores a detected inconsistency
func (s *Storage) AddReport(r *domain.InconsistencyReport) error {
	return s.db.Create(r).Error
}

// ListReports returns the newest reports first. An empty instrument lists all.
func (s *Storage) ListReports(instrument string, limit int) ([]domain.InconsistencyReport, error) {
	q := s.db.Order("id desc")
	if instrument != "" {
		q = q.Where("instrument = ?", instrument)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var reports []domain.InconsistencyReport
	err := q.Find(&reports).Error
	return reports, err
}
