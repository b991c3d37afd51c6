package store

import "time"

// UserRecord is an account row. Credentials live here, never in the
// relay core.
type UserRecord struct {
	ID           int64  `gorm:"primaryKey"`
	Username     string `gorm:"size:36;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:72;not null"`
	CreatedAt    time.Time
}

func (UserRecord) TableName() string { return "users" }

// RoomRecord is a persisted room. CreatorID is the owner consulted for
// CLOSE_ROOM authorization.
type RoomRecord struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"size:100;not null"`
	CreatorID int64  `gorm:"not null;index"`
	CreatedAt time.Time
}

func (RoomRecord) TableName() string { return "rooms" }

// MessageRecord is one stored chat line.
type MessageRecord struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	RoomID   int64     `gorm:"not null;index"`
	SenderID int64     `gorm:"not null"`
	Text     string    `gorm:"size:1000;not null"`
	SentAt   time.Time `gorm:"not null;index"`
}

func (MessageRecord) TableName() string { return "messages" }
