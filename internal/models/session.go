package models

import "time"

// Session is one lifetime of engagement with the assistant engine for a
// Conversation. It may span many orchestrator passes via the external
// resume handle. Sessions are deactivated, never deleted.
//
// Invariant: at most one Session per Conversation has Active=true.
type Session struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"not null;index:idx_conv_active"`
	EngineKind     string `gorm:"size:32;not null"` // e.g. "claude"
	ExternalHandle string `gorm:"size:128"`         // opaque engine resume handle; empty until first completion marker
	Active         bool   `gorm:"index:idx_conv_active"`
	Metadata       string `gorm:"type:json"` // JSON document, see session.Metadata
	StartedAt      time.Time
	UpdatedAt      time.Time  // bumped by GORM on every write; drives stale reaping
	EndedAt        *time.Time // set only on deactivation

	Conversation Conversation `gorm:"foreignKey:ConversationID"`
}
