package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meowfeeder/meowfeeder/internal/models"
)

// ========== User Methods ==========

const userColumns = `id, created_at, updated_at, email, username, password_hash, is_active, last_login_at`

// CreateUser creates a new user
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	query := `
        INSERT INTO users (` + userColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		user.ID, user.CreatedAt, user.UpdatedAt, user.Email, user.Username,
		user.PasswordHash, user.IsActive, user.LastLoginAt,
	)
	return mapError(err)
}

// GetUser gets a user by ID
func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return s.getUser(ctx, query, id)
}

// GetUserByEmail gets a user by email
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return s.getUser(ctx, query, strings.ToLower(strings.TrimSpace(email)))
}

func (s *PostgresStore) getUser(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	user := &models.User{}
	err := s.getDB().QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.CreatedAt, &user.UpdatedAt, &user.Email, &user.Username,
		&user.PasswordHash, &user.IsActive, &user.LastLoginAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	devices, err := s.userDevices(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Devices = devices
	return user, nil
}

func (s *PostgresStore) userDevices(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.getDB().QueryContext(ctx,
		`SELECT device_id FROM user_devices WHERE user_id = $1 ORDER BY position`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateUser updates a user
func (s *PostgresStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()

	query := `
        UPDATE users SET
            updated_at = $2, username = $3, password_hash = $4,
            is_active = $5, last_login_at = $6
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		user.ID, user.UpdatedAt, user.Username, user.PasswordHash,
		user.IsActive, user.LastLoginAt,
	)
	if err != nil {
		return mapError(err)
	}
	return checkAffected(result)
}

// AddUserDevice appends a device to the user's list
func (s *PostgresStore) AddUserDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	query := `
        INSERT INTO user_devices (user_id, device_id, added_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id, device_id) DO NOTHING`

	_, err := s.getDB().ExecContext(ctx, query, userID, deviceID, time.Now())
	return mapError(err)
}
