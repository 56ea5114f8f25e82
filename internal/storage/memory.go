package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meowfeeder/meowfeeder/internal/models"
)

type memData struct {
	users       map[uuid.UUID]*models.User
	emails      map[string]uuid.UUID
	devices     map[uuid.UUID]*models.Device
	events      []*models.EventLog
	deviceOrder []uuid.UUID
}

func newMemData() *memData {
	return &memData{
		users:   make(map[uuid.UUID]*models.User),
		emails:  make(map[string]uuid.UUID),
		devices: make(map[uuid.UUID]*models.Device),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for id, u := range d.users {
		c.users[id] = copyUser(u)
	}
	for email, id := range d.emails {
		c.emails[email] = id
	}
	for id, dev := range d.devices {
		c.devices[id] = copyDevice(dev)
	}
	c.events = append(c.events, d.events...)
	c.deviceOrder = append(c.deviceOrder, d.deviceOrder...)
	return c
}

type memShared struct {
	txMu sync.Mutex // serializes writers, held for a whole transaction
	mu   sync.RWMutex
	data *memData
}

// MemoryStore keeps everything in process. A transaction works on a private
// snapshot that replaces the shared state on Commit; writers are serialized
// while it is open.
type MemoryStore struct {
	shared *memShared
	tx     *memData
	done   bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shared: &memShared{data: newMemData()}}
}

// BeginTx implements Store
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) {
	if s.tx != nil {
		return nil, ErrInvalidData
	}
	s.shared.txMu.Lock()
	s.shared.mu.RLock()
	snap := s.shared.data.clone()
	s.shared.mu.RUnlock()
	return &MemoryStore{shared: s.shared, tx: snap}, nil
}

// Commit implements Store
func (s *MemoryStore) Commit() error {
	if s.tx == nil || s.done {
		return nil
	}
	s.shared.mu.Lock()
	s.shared.data = s.tx
	s.shared.mu.Unlock()
	s.done = true
	s.shared.txMu.Unlock()
	return nil
}

// Rollback implements Store
func (s *MemoryStore) Rollback() error {
	if s.tx == nil || s.done {
		return nil
	}
	s.done = true
	s.shared.txMu.Unlock()
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return s.Rollback()
}

func (s *MemoryStore) read(f func(d *memData) error) error {
	if s.tx != nil {
		return f(s.tx)
	}
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()
	return f(s.shared.data)
}

func (s *MemoryStore) write(f func(d *memData) error) error {
	if s.tx != nil {
		return f(s.tx)
	}
	s.shared.txMu.Lock()
	defer s.shared.txMu.Unlock()
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return f(s.shared.data)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser implements Store
func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.write(func(d *memData) error {
		email := normalizeEmail(user.Email)
		if _, exists := d.emails[email]; exists {
			return ErrDuplicateKey
		}
		if user.ID == uuid.Nil {
			user.ID = uuid.New()
		}
		if _, exists := d.users[user.ID]; exists {
			return ErrDuplicateKey
		}
		now := time.Now()
		user.CreatedAt = now
		user.UpdatedAt = now
		user.Email = email
		if user.Devices == nil {
			user.Devices = []uuid.UUID{}
		}
		d.users[user.ID] = copyUser(user)
		d.emails[email] = user.ID
		return nil
	})
}

// GetUser implements Store
func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var out *models.User
	err := s.read(func(d *memData) error {
		u, ok := d.users[id]
		if !ok {
			return ErrNotFound
		}
		out = copyUser(u)
		return nil
	})
	return out, err
}

// GetUserByEmail implements Store
func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var out *models.User
	err := s.read(func(d *memData) error {
		id, ok := d.emails[normalizeEmail(email)]
		if !ok {
			return ErrNotFound
		}
		out = copyUser(d.users[id])
		return nil
	})
	return out, err
}

// UpdateUser implements Store. The device list is managed by AddUserDevice.
func (s *MemoryStore) UpdateUser(ctx context.Context, user *models.User) error {
	return s.write(func(d *memData) error {
		existing, ok := d.users[user.ID]
		if !ok {
			return ErrNotFound
		}
		user.UpdatedAt = time.Now()
		updated := copyUser(user)
		updated.Email = existing.Email
		updated.CreatedAt = existing.CreatedAt
		updated.Devices = existing.Devices
		d.users[user.ID] = updated
		return nil
	})
}

// AddUserDevice implements Store
func (s *MemoryStore) AddUserDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	return s.write(func(d *memData) error {
		u, ok := d.users[userID]
		if !ok {
			return ErrNotFound
		}
		if _, ok := d.devices[deviceID]; !ok {
			return ErrNotFound
		}
		for _, id := range u.Devices {
			if id == deviceID {
				return nil
			}
		}
		u.Devices = append(u.Devices, deviceID)
		return nil
	})
}

// CreateDevice implements Store
func (s *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	return s.write(func(d *memData) error {
		if device.ID == uuid.Nil {
			device.ID = uuid.New()
		}
		if _, exists := d.devices[device.ID]; exists {
			return ErrDuplicateKey
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
		d.devices[device.ID] = copyDevice(device)
		d.deviceOrder = append(d.deviceOrder, device.ID)
		return nil
	})
}

// GetDevice implements Store
func (s *MemoryStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	var out *models.Device
	err := s.read(func(d *memData) error {
		dev, ok := d.devices[id]
		if !ok {
			return ErrNotFound
		}
		out = copyDevice(dev)
		return nil
	})
	return out, err
}

// UpdateDevice implements Store. Feeding history is left untouched.
func (s *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	return s.write(func(d *memData) error {
		existing, ok := d.devices[device.ID]
		if !ok {
			return ErrNotFound
		}
		device.UpdatedAt = time.Now()
		updated := copyDevice(device)
		updated.CreatedAt = existing.CreatedAt
		updated.FeedingHistory = existing.FeedingHistory
		if updated.FeedingTime == nil {
			updated.FeedingTime = []string{}
		}
		d.devices[device.ID] = updated
		return nil
	})
}

// DeleteDevice implements Store
func (s *MemoryStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	return s.write(func(d *memData) error {
		if _, ok := d.devices[id]; !ok {
			return ErrNotFound
		}
		delete(d.devices, id)
		for i, other := range d.deviceOrder {
			if other == id {
				d.deviceOrder = append(d.deviceOrder[:i:i], d.deviceOrder[i+1:]...)
				break
			}
		}
		for _, u := range d.users {
			kept := u.Devices[:0:0]
			for _, other := range u.Devices {
				if other != id {
					kept = append(kept, other)
				}
			}
			u.Devices = kept
		}
		return nil
	})
}

// ListDevicesByIDs implements Store
func (s *MemoryStore) ListDevicesByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Device, error) {
	out := make([]*models.Device, 0, len(ids))
	err := s.read(func(d *memData) error {
		for _, id := range ids {
			if dev, ok := d.devices[id]; ok {
				out = append(out, copyDevice(dev))
			}
		}
		return nil
	})
	return out, err
}

// AddFeeding implements Store
func (s *MemoryStore) AddFeeding(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	return s.write(func(d *memData) error {
		dev, ok := d.devices[deviceID]
		if !ok {
			return ErrNotFound
		}
		dev.RecordFeeding(at)
		dev.UpdatedAt = time.Now()
		return nil
	})
}

// CreateEventLog implements Store
func (s *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	return s.write(func(d *memData) error {
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = time.Now()
		}
		e := *event
		d.events = append(d.events, &e)
		return nil
	})
}

// ListEventLogs implements Store, newest first
func (s *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	var matched []*models.EventLog
	s.read(func(d *memData) error {
		for _, e := range d.events {
			if matchesEvent(e, filters) {
				c := *e
				matched = append(matched, &c)
			}
		}
		return nil
	})

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	if matched == nil {
		matched = []*models.EventLog{}
	}
	return matched, total, nil
}

func matchesEvent(e *models.EventLog, f EventLogFilters) bool {
	if f.DeviceID != nil && (e.DeviceID == nil || *e.DeviceID != *f.DeviceID) {
		return false
	}
	if f.Type != nil && e.Type != *f.Type {
		return false
	}
	if f.Level != nil && e.Level != *f.Level {
		return false
	}
	if f.StartTime != nil && e.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}

func copyUser(u *models.User) *models.User {
	c := *u
	c.Devices = append([]uuid.UUID{}, u.Devices...)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func copyDevice(d *models.Device) *models.Device {
	c := *d
	c.FeedingTime = append([]string{}, d.FeedingTime...)
	c.FeedingHistory = append([]time.Time{}, d.FeedingHistory...)
	if d.LastFeedTime != nil {
		t := *d.LastFeedTime
		c.LastFeedTime = &t
	}
	return &c
}
