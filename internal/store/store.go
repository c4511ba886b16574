// Package store is the Postgres-backed implementation of the coordinator's
// narrow collaborator interfaces: conversation membership, message
// persistence and the mutual-match directory. The coordinator core only sees
// the interfaces; tests swap in fakes.
package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

type ConversationMember struct {
	ConversationID string `gorm:"primaryKey"`
	UserID         string `gorm:"primaryKey"`
}

func (ConversationMember) TableName() string { return "conversation_members" }

type MessageRow struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	SenderID       string
	Content        string
	Type           string
	CreatedAt      time.Time
}

func (MessageRow) TableName() string { return "messages" }

// Match holds one direction of a swipe; a mutual pair has Mutual set on both
// rows by the matching service.
type Match struct {
	UserID        string `gorm:"primaryKey"`
	MatchedUserID string `gorm:"primaryKey"`
	Mutual        bool
}

func (Match) TableName() string { return "matches" }

type Store struct {
	db *gorm.DB
}

func Connect(dsn string, debug bool) (*Store, error) {
	gormLogger := logger.Default.LogMode(logger.Silent)
	if debug {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// IsMember implements the conversation-ownership lookup behind room joins.
func (s *Store) IsMember(ctx context.Context, roomID domain.RoomID, uid domain.UserID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", string(roomID), string(uid)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("membership query: %w", err)
	}
	return count > 0, nil
}

// Append persists a message and returns the stored form.
func (s *Store) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	row := MessageRow{
		ID:             msg.ID,
		ConversationID: string(msg.RoomID),
		SenderID:       string(msg.Sender),
		Content:        msg.Content,
		Type:           string(msg.Type),
		CreatedAt:      msg.SentAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// MutualsOf lists every identity uid has a mutual match with.
func (s *Store) MutualsOf(ctx context.Context, uid domain.UserID) ([]domain.UserID, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&Match{}).
		Where("user_id = ? AND mutual", string(uid)).
		Pluck("matched_user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("mutual match query: %w", err)
	}
	out := make([]domain.UserID, len(ids))
	for i, id := range ids {
		out[i] = domain.UserID(id)
	}
	return out, nil
}
