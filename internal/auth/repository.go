package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"epicflare/internal/db"
)

type Repository struct {
	db db.Database
}

func NewRepository(database db.Database) *Repository {
	return &Repository{db: database}
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	var (
		user      User
		createdAt int64
		updatedAt int64
	)
	err := r.db.QueryFirst(ctx, `
		SELECT id, username, email, password_hash, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	user.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return user, nil
}

// Create inserts a user. The unique index on email is what actually
// prevents duplicate accounts; callers check existence first only to pick
// a friendlier status code.
func (r *Repository) Create(ctx context.Context, username, email, passwordHash string) (User, error) {
	now := time.Now().UTC().Truncate(time.Second)

	var id int64
	err := r.db.QueryFirst(ctx, `
		INSERT INTO users (username, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, username, email, passwordHash, now.Unix(), now.Unix()).Scan(&id)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, userID int64, passwordHash string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE users
		SET password_hash = $1, updated_at = $2
		WHERE id = $3
	`, passwordHash, time.Now().UTC().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}
