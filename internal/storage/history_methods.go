package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AddFeeding appends a feeding record and moves last_feed_time forward
func (s *PostgresStore) AddFeeding(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	result, err := s.getDB().ExecContext(ctx, `
        UPDATE devices SET
            last_feed_time = GREATEST(COALESCE(last_feed_time, $2), $2),
            updated_at = $3
        WHERE id = $1`, deviceID, at, time.Now())
	if err != nil {
		return mapError(err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}

	_, err = s.getDB().ExecContext(ctx,
		`INSERT INTO feeding_history (device_id, fed_at) VALUES ($1, $2)`, deviceID, at)
	return mapError(err)
}

func (s *PostgresStore) feedingHistory(ctx context.Context, deviceID uuid.UUID) ([]time.Time, error) {
	rows, err := s.getDB().QueryContext(ctx,
		`SELECT fed_at FROM feeding_history WHERE device_id = $1 ORDER BY id`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []time.Time{}
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		history = append(history, at)
	}
	return history, rows.Err()
}
