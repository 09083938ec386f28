// Package directory persists per-user connect codes and friendship
// edges, and caches the identities the hub has seen.
package directory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fluxdrive/flux/internal/identity"
)

var (
	ErrCodeNotFound   = errors.New("connect code not found")
	ErrCodeExhausted  = errors.New("connect code space exhausted")
	ErrSelfFriend     = errors.New("cannot befriend yourself")
	ErrAlreadyFriends = errors.New("already friends")
)

// codeAlphabet excludes I, L, O, 0 and 1 so codes survive dictation.
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 6
	codeRetries  = 10
)

type Store struct {
	db *gorm.DB

	// overridden in tests to force collisions
	generate func() (string, error)
}

func NewStore(db *gorm.DB) *Store {
	s := &Store{db: db}
	s.generate = s.randomCode
	return s
}

func (s *Store) randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// RememberIdentity upserts the identity cache row for a user.
func (s *Store) RememberIdentity(ctx context.Context, id identity.Identity) error {
	user := User{ID: id.UserID, Email: id.Email, Name: id.Name()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&user).Error
	if err != nil {
		return fmt.Errorf("caching identity: %w", err)
	}
	return nil
}

// GetOrCreateConnectCode returns the user's connect code, allocating
// one on first request. Codes are stable for the user's lifetime.
func (s *Store) GetOrCreateConnectCode(ctx context.Context, userID string) (string, error) {
	var existing ConnectCode
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error
	if err == nil {
		return existing.Code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("looking up connect code: %w", err)
	}

	for attempt := 0; attempt < codeRetries; attempt++ {
		code, err := s.generate()
		if err != nil {
			return "", err
		}
		err = s.db.WithContext(ctx).Create(&ConnectCode{UserID: userID, Code: code}).Error
		if err == nil {
			return code, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Raced with another allocation for the same user, or the
			// code is taken. Re-read before retrying.
			if readErr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; readErr == nil {
				return existing.Code, nil
			}
			continue
		}
		return "", fmt.Errorf("persisting connect code: %w", err)
	}
	return "", ErrCodeExhausted
}

// ResolveCode maps a connect code to a user id. Lookup is
// case-insensitive; codes are stored uppercased.
func (s *Store) ResolveCode(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	var row ConnectCode
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolving connect code: %w", err)
	}
	return row.UserID, nil
}

// AddFriendship inserts both directed edges within one transaction.
func (s *Store) AddFriendship(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSelfFriend
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Friendship{}).
			Where("user_id = ? AND friend_id = ?", a, b).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking friendship: %w", err)
		}
		if count > 0 {
			return ErrAlreadyFriends
		}

		edges := []Friendship{
			{UserID: a, FriendID: b},
			{UserID: b, FriendID: a},
		}
		if err := tx.Create(&edges).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyFriends
			}
			return fmt.Errorf("inserting friendship: %w", err)
		}
		return nil
	})
}

// Friend is a directory entry without presence; the hub overlays
// presence from the connection registry.
type Friend struct {
	ID    string
	Name  string
	Email string
}

// ListFriends returns the user's friends with cached identity data.
func (s *Store) ListFriends(ctx context.Context, userID string) ([]Friend, error) {
	var edges []Friendship
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("listing friendships: %w", err)
	}

	friends := make([]Friend, 0, len(edges))
	for _, e := range edges {
		var user User
		err := s.db.WithContext(ctx).Where("id = ?", e.FriendID).First(&user).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("loading friend identity: %w", err)
		}
		friends = append(friends, Friend{
			ID:    e.FriendID,
			Name:  user.Name,
			Email: user.Email,
		})
	}
	return friends, nil
}

// ListFriendIDs returns only the friend ids, for presence targeting.
func (s *Store) ListFriendIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Friendship{}).
		Where("user_id = ?", userID).
		Pluck("friend_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing friend ids: %w", err)
	}
	return ids, nil
}

// GetFriend loads a single directory entry.
func (s *Store) GetFriend(ctx context.Context, userID string) (Friend, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Friend{}, fmt.Errorf("loading identity: %w", err)
	}
	return Friend{ID: userID, Name: user.Name, Email: user.Email}, nil
}
