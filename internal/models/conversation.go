package models

import "time"

// Conversation tracks one platform-native chat thread or ticket. Porter
// creates a row on the first inbound message for a (platform, platform
// conversation ID) pair and never deletes it.
type Conversation struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Platform       string `gorm:"size:16;not null;uniqueIndex:idx_platform_conv"` // "discord", "slack", "github"
	PlatformConvID string `gorm:"size:128;not null;uniqueIndex:idx_platform_conv"`
	ProjectID      string `gorm:"size:64;index"` // optional linked codebase
	WorkDir        string `gorm:"size:512"`      // working directory for assistant runs
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Sessions []Session `gorm:"foreignKey:ConversationID"`
}
