package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BackendSnapshot è una fotografia delle statistiche di un backend del pool
type BackendSnapshot struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	Backend   string    `json:"backend" gorm:"not null;index"`
	Timestamp time.Time `json:"timestamp" gorm:"index;not null"`

	Provider string `json:"provider"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Circuit  string `json:"circuit"`

	// Metrics
	TotalRequests     int64   `json:"total_requests"`
	SuccessRate       float64 `json:"success_rate"` // 0.0-1.0
	TotalTokens       int64   `json:"total_tokens"`
	TotalCost         float64 `json:"total_cost"`
	AvgResponseTime   float64 `json:"avg_response_time"` // secondi
	ConsecutiveErrors int     `json:"consecutive_errors"`
	RateLimitHits     int64   `json:"rate_limit_hits"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate hook
func (s *BackendSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return nil
}

// TableName specifica il nome della tabella
func (BackendSnapshot) TableName() string {
	return "backend_snapshots"
}
