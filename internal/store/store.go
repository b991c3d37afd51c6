// Package store is the GORM/SQLite persistence gateway: rooms, messages,
// and user accounts. The relay core consumes it through core.Gateway.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ekinoks/chatrelay/internal/domain"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Store struct {
	db *gorm.DB
}

// Open connects to the SQLite database at path and runs migrations.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&UserRecord{}, &RoomRecord{}, &MessageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

// InsertMessage persists one chat line.
func (s *Store) InsertMessage(ctx context.Context, roomID domain.RoomID, senderID domain.UserID, text string, sentAt time.Time) error {
	rec := MessageRecord{
		RoomID:   int64(roomID),
		SenderID: int64(senderID),
		Text:     text,
		SentAt:   sentAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// FetchHistory returns the room's messages ascending by timestamp.
func (s *Store) FetchHistory(ctx context.Context, roomID domain.RoomID) ([]domain.Message, error) {
	var recs []MessageRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ?", int64(roomID)).
		Order("sent_at asc, id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	out := make([]domain.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.Message{
			RoomID:   domain.RoomID(r.RoomID),
			SenderID: domain.UserID(r.SenderID),
			Text:     r.Text,
			SentAt:   r.SentAt,
		})
	}
	return out, nil
}

// ResolveUsername returns "unknown" for absent users rather than erroring;
// a missing account must not break history replay.
func (s *Store) ResolveUsername(ctx context.Context, userID domain.UserID) string {
	var rec UserRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", int64(userID)).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("module", "store").Int64("user", int64(userID)).Msg("username lookup failed")
		}
		return "unknown"
	}
	return rec.Username
}

// ResolveRoomOwner reports ok=false when the room record is absent.
func (s *Store) ResolveRoomOwner(ctx context.Context, roomID domain.RoomID) (domain.UserID, bool) {
	var rec RoomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", int64(roomID)).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("module", "store").Int64("room", int64(roomID)).Msg("owner lookup failed")
		}
		return 0, false
	}
	return domain.UserID(rec.CreatorID), true
}

// DeleteRoomAndMessages removes the room record and all its messages in
// one transaction; on any failure both survive.
func (s *Store) DeleteRoomAndMessages(ctx context.Context, roomID domain.RoomID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", int64(roomID)).Delete(&MessageRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		res := tx.Delete(&RoomRecord{}, "id = ?", int64(roomID))
		if res.Error != nil {
			return fmt.Errorf("failed to delete room: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// LoadAllRoomIDs feeds the registry pre-load at startup.
func (s *Store) LoadAllRoomIDs(ctx context.Context) ([]domain.RoomID, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&RoomRecord{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to load room ids: %w", err)
	}
	out := make([]domain.RoomID, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.RoomID(id))
	}
	return out, nil
}

// RegisterUser creates an account with a bcrypt-hashed password.
func (s *Store) RegisterUser(ctx context.Context, username, password string) (*domain.User, error) {
	if err := domain.ValidateUsername(username); err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserRecord{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	rec := UserRecord{Username: username, PasswordHash: string(hash)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &domain.User{ID: domain.UserID(rec.ID), Username: rec.Username}, nil
}

// Authenticate verifies a username/password pair.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	var rec UserRecord
	if err := s.db.WithContext(ctx).First(&rec, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &domain.User{ID: domain.UserID(rec.ID), Username: rec.Username}, nil
}

// CreateRoom persists a room owned by creator. Ownership is fixed here;
// the registry never re-checks it on join.
func (s *Store) CreateRoom(ctx context.Context, name string, creator domain.UserID) (*domain.Room, error) {
	rec := RoomRecord{Name: name, CreatorID: int64(creator)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return &domain.Room{ID: domain.RoomID(rec.ID), Name: rec.Name, Owner: creator}, nil
}

// ListRooms returns all persisted rooms.
func (s *Store) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var recs []RoomRecord
	if err := s.db.WithContext(ctx).Order("id asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	out := make([]domain.Room, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.Room{ID: domain.RoomID(r.ID), Name: r.Name, Owner: domain.UserID(r.CreatorID)})
	}
	return out, nil
}
