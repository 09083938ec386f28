package directory

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// User caches the last identity seen for a user so friends render with
// a name and email even while the user is offline. The authoritative
// user directory lives with the identity provider.
type User struct {
	ID    string `gorm:"primaryKey"`
	Email string
	Name  string
}

type ConnectCode struct {
	UserID string `gorm:"primaryKey"`
	Code   string `gorm:"uniqueIndex;size:6"`
}

// Friendship rows always exist in pairs, one per direction.
type Friendship struct {
	ID       uint   `gorm:"primaryKey"`
	UserID   string `gorm:"not null;uniqueIndex:idx_friend_edge"`
	FriendID string `gorm:"not null;uniqueIndex:idx_friend_edge"`
}

func NewDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(&User{}, &ConnectCode{}, &Friendship{}); err != nil {
		return nil, err
	}
	return db, nil
}
