package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/porter/internal/models"
	"gorm.io/gorm"
)

// Store persists Conversation and Session rows. The lock manager
// guarantees single-writer-per-conversation, so reads-then-writes here
// need no application-level locking beyond per-operation transactions.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("session: store: db is required")
	}
	return &Store{db: db}, nil
}

// FindOrCreateConversation resolves the conversation row for a
// platform-native conversation ID, creating it on the first inbound
// message for the pair.
func (s *Store) FindOrCreateConversation(platform, platformConvID string) (*models.Conversation, error) {
	if platform == "" || platformConvID == "" {
		return nil, fmt.Errorf("session: conversation: platform and id are required")
	}
	var conv models.Conversation
	err := s.db.Where(&models.Conversation{Platform: platform, PlatformConvID: platformConvID}).
		FirstOrCreate(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("session: find or create conversation %s/%s: %w", platform, platformConvID, err)
	}
	return &conv, nil
}

// UpdateWorkDir changes the conversation's working directory and ends
// any active session, since the session's in-engine context is bound to
// the old directory. Returns true when the directory actually changed.
func (s *Store) UpdateWorkDir(conversationID uint, dir string) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.First(&conv, conversationID).Error; err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		if conv.WorkDir == dir {
			return nil
		}
		changed = true
		if err := tx.Model(&conv).Update("work_dir", dir).Error; err != nil {
			return fmt.Errorf("update work dir: %w", err)
		}
		return deactivateActive(tx, conversationID)
	})
	if err != nil {
		return false, fmt.Errorf("session: update work dir: %w", err)
	}
	return changed, nil
}

// GetActive returns the conversation's active session, or nil when the
// conversation has none.
func (s *Store) GetActive(conversationID uint) (*models.Session, error) {
	var sess models.Session
	err := s.db.Where("conversation_id = ? AND active = ?", conversationID, true).
		Order("id DESC").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get active for conversation %d: %w", conversationID, err)
	}
	return &sess, nil
}

// Create starts a new active session for the conversation. Any
// lingering active rows (e.g. crash leftovers) are deactivated in the
// same transaction, so the at-most-one-active invariant holds even
// against dirty state.
func (s *Store) Create(conversationID uint, engineKind string, initial Metadata) (*models.Session, error) {
	encoded, err := encodeMetadata(initial)
	if err != nil {
		return nil, err
	}

	var sess *models.Session
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := deactivateActive(tx, conversationID); err != nil {
			return err
		}
		sess = &models.Session{
			ConversationID: conversationID,
			EngineKind:     engineKind,
			Active:         true,
			Metadata:       encoded,
			StartedAt:      time.Now(),
		}
		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: create for conversation %d: %w", conversationID, err)
	}
	return sess, nil
}

// deactivateActive flips any active rows for the conversation to
// inactive with an end timestamp.
func deactivateActive(tx *gorm.DB, conversationID uint) error {
	err := tx.Model(&models.Session{}).
		Where("conversation_id = ? AND active = ?", conversationID, true).
		Updates(map[string]interface{}{
			"active":   false,
			"ended_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("deactivate active sessions: %w", err)
	}
	return nil
}

// UpdateHandle stores the engine's resume handle after a completion
// marker. Engines may rotate the handle on every pass, so this is
// called after each engagement.
func (s *Store) UpdateHandle(sessionID uint, handle string) error {
	err := s.db.Model(&models.Session{}).
		Where("id = ?", sessionID).
		Update("external_handle", handle).Error
	if err != nil {
		return fmt.Errorf("session: update handle for %d: %w", sessionID, err)
	}
	return nil
}

// Deactivate ends a session: active=false, EndedAt stamped. Sessions
// are never deleted.
func (s *Store) Deactivate(sessionID uint) error {
	result := s.db.Model(&models.Session{}).
		Where("id = ? AND active = ?", sessionID, true).
		Updates(map[string]interface{}{
			"active":   false,
			"ended_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("session: deactivate %d: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session: deactivate %d: not found or not active", sessionID)
	}
	return nil
}

// MergeMetadata shallow-merges partial into the session's metadata
// document, last writer wins per key. Unrelated keys survive.
func (s *Store) MergeMetadata(sessionID uint, partial Metadata) error {
	if len(partial) == 0 {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := tx.First(&sess, sessionID).Error; err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		doc, err := decodeMetadata(sess.Metadata)
		if err != nil {
			return err
		}
		doc.Merge(partial)
		encoded, err := encodeMetadata(doc)
		if err != nil {
			return err
		}
		return tx.Model(&sess).Update("metadata", encoded).Error
	})
	if err != nil {
		return fmt.Errorf("session: merge metadata for %d: %w", sessionID, err)
	}
	return nil
}

// LoadMetadata decodes a session row's metadata document.
func (s *Store) LoadMetadata(sessionID uint) (Metadata, error) {
	var sess models.Session
	if err := s.db.First(&sess, sessionID).Error; err != nil {
		return nil, fmt.Errorf("session: load metadata for %d: %w", sessionID, err)
	}
	return decodeMetadata(sess.Metadata)
}

// DeactivateStale ends active sessions that have seen no updates for
// longer than maxAge. Run periodically to reap sessions orphaned by
// crashes or abandoned conversations. Returns the number reaped.
func (s *Store) DeactivateStale(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	result := s.db.Model(&models.Session{}).
		Where("active = ? AND updated_at < ?", true, cutoff).
		Updates(map[string]interface{}{
			"active":   false,
			"ended_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("session: deactivate stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Counts reports active and total session rows for the ops surface.
func (s *Store) Counts() (active int64, total int64, err error) {
	if err = s.db.Model(&models.Session{}).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("session: count: %w", err)
	}
	if err = s.db.Model(&models.Session{}).Where("active = ?", true).Count(&active).Error; err != nil {
		return 0, 0, fmt.Errorf("session: count active: %w", err)
	}
	return active, total, nil
}
