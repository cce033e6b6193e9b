package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"epicflare/internal/observability"
	"epicflare/internal/password"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already in use")
	ErrUserNotFound       = errors.New("user not found")
)

type Service struct {
	repo   *Repository
	logger *observability.Logger

	dummyOnce sync.Once
	dummyHash string
}

func NewService(repo *Repository, logger *observability.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Signup(ctx context.Context, email, plainPassword string) (User, error) {
	email = NormalizeEmail(email)

	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return User{}, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	hash, err := password.CreateHash(plainPassword)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, email, email, hash)
	if err != nil {
		return User{}, err
	}

	return user, nil
}

// Authenticate verifies an email/password pair against the users table.
// Unknown emails and wrong passwords both return ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, plainPassword string) (User, error) {
	email = NormalizeEmail(email)

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			password.Verify(plainPassword, s.dummy())
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}

	result := password.Verify(plainPassword, user.PasswordHash)
	if !result.Valid {
		return User{}, ErrInvalidCredentials
	}

	if result.UpgradedHash != "" {
		observability.BestEffort(s.logger, "password_upgrade_failed", map[string]any{"user_id": user.ID}, func() error {
			return s.repo.UpdatePasswordHash(ctx, user.ID, result.UpgradedHash)
		})
		user.PasswordHash = result.UpgradedHash
	}

	return user, nil
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		hash, err := password.CreateHash("epicflare-dummy-password")
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}
