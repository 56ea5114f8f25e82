package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/meowfeeder/meowfeeder/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `id, created_at, updated_at, user_email, status, ip_address,
               feeding_time, auto_feeding, last_feed_time`

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.OwnerEmail == "" {
		device.OwnerEmail = models.OwnerNotSet
	}
	if device.Status == "" {
		device.Status = models.DeviceStatusOffline
	}
	if device.FeedingTime == nil {
		device.FeedingTime = []string{}
	}
	if device.FeedingHistory == nil {
		device.FeedingHistory = []time.Time{}
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (` + deviceColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt, device.OwnerEmail,
		device.Status, device.IPAddress, pq.Array(device.FeedingTime),
		device.AutoFeeding, device.LastFeedTime,
	)
	return mapError(err)
}

// GetDevice gets a device by id, feeding history included
func (s *PostgresStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	device := &models.Device{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.OwnerEmail,
		&device.Status, &device.IPAddress, pq.Array(&device.FeedingTime),
		&device.AutoFeeding, &device.LastFeedTime,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if device.FeedingTime == nil {
		device.FeedingTime = []string{}
	}

	history, err := s.feedingHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	device.FeedingHistory = history
	return device, nil
}

// UpdateDevice updates a device. Feeding history is append-only and not
// touched here.
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()
	if device.FeedingTime == nil {
		device.FeedingTime = []string{}
	}

	query := `
        UPDATE devices SET
            updated_at = $2, user_email = $3, status = $4, ip_address = $5,
            feeding_time = $6, auto_feeding = $7, last_feed_time = $8
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.UpdatedAt, device.OwnerEmail, device.Status,
		device.IPAddress, pq.Array(device.FeedingTime), device.AutoFeeding,
		device.LastFeedTime,
	)
	if err != nil {
		return mapError(err)
	}
	return checkAffected(result)
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return checkAffected(result)
}

// ListDevicesByIDs returns the devices in the order of ids, skipping ids
// that no longer exist
func (s *PostgresStore) ListDevicesByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Device, error) {
	devices := make([]*models.Device, 0, len(ids))
	for _, id := range ids {
		device, err := s.GetDevice(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, nil
}
