package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biodoia/novelcorpus/pkg/models"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound è restituito quando un record non esiste
var ErrNotFound = errors.New("record not found")

// Config contiene la configurazione del database
type Config struct {
	Type       string `mapstructure:"type" yaml:"type"`             // "postgres" or "sqlite"
	Connection string `mapstructure:"connection" yaml:"connection"` // Connection string
	MaxConns   int    `mapstructure:"max_conns" yaml:"max_conns"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
}

// DB wrappa la connessione GORM
type DB struct {
	*gorm.DB
}

// New crea una nuova connessione al database
func New(cfg *Config) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.Connection)
	case "sqlite":
		dialector = sqlite.Open(cfg.Connection)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	// Configure logger
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "info":
		logLevel = logger.Info
	case "warn":
		logLevel = logger.Warn
	case "error":
		logLevel = logger.Error
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
		sqlDB.SetMaxIdleConns(max(cfg.MaxConns/2, 1))
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &DB{DB: db}, nil
}

// AutoMigrate esegue le migrazioni del database
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(
		&models.Workflow{},
		&models.WorkflowStage{},
		&models.BackendSnapshot{},
	)
}

// Close chiude la connessione al database
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveWorkflow crea o aggiorna un workflow senza toccare i suoi stadi.
// Alla creazione vengono inseriti anche gli stadi.
func (db *DB) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Workflow{}).Where("id = ?", w.ID).Count(&count).Error; err != nil {
			return err
		}

		if count == 0 {
			return tx.Create(w).Error
		}
		return tx.Omit("Stages").Save(w).Error
	})
}

// SaveStage aggiorna lo stato di uno stadio
func (db *DB) SaveStage(ctx context.Context, s *models.WorkflowStage) error {
	return db.WithContext(ctx).Save(s).Error
}

// LoadWorkflow carica un workflow con i suoi stadi in ordine
func (db *DB) LoadWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	var w models.Workflow
	err := db.WithContext(ctx).
		Preload("Stages", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("stage_order")
		}).
		Where("id = ?", id).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkflows restituisce i workflow più recenti, opzionalmente di un progetto
func (db *DB) ListWorkflows(ctx context.Context, projectID string, limit int) ([]models.Workflow, error) {
	var workflows []models.Workflow

	query := db.WithContext(ctx).
		Preload("Stages", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("stage_order")
		}).
		Order("updated_at DESC")
	if projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Find(&workflows).Error
	return workflows, err
}

// SaveSnapshots salva un lotto di snapshot con lo stesso timestamp
func (db *DB) SaveSnapshots(ctx context.Context, snapshots []models.BackendSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for i := range snapshots {
		if snapshots[i].Timestamp.IsZero() {
			snapshots[i].Timestamp = now
		}
	}
	return db.WithContext(ctx).Create(&snapshots).Error
}

// LatestSnapshots restituisce l'ultimo lotto di snapshot salvato
func (db *DB) LatestSnapshots(ctx context.Context) ([]models.BackendSnapshot, error) {
	var snapshots []models.BackendSnapshot

	latest := db.Model(&models.BackendSnapshot{}).Select("MAX(timestamp)")
	err := db.WithContext(ctx).
		Where("timestamp = (?)", latest).
		Order("backend").
		Find(&snapshots).Error
	return snapshots, err
}

// BackendHistory restituisce gli snapshot di un backend nell'intervallo, dal più recente
func (db *DB) BackendHistory(ctx context.Context, backend string, since time.Duration) ([]models.BackendSnapshot, error) {
	var snapshots []models.BackendSnapshot
	err := db.WithContext(ctx).
		Where("backend = ? AND timestamp > ?", backend, time.Now().UTC().Add(-since)).
		Order("timestamp DESC").
		Find(&snapshots).Error
	return snapshots, err
}
