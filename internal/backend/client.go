// Package backend is a typed client for the feeder REST service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/config"
	"github.com/meowfeeder/meowfeeder/internal/models"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// APIError is a non-2xx answer carrying the server's message
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// FeedingReceipt is the answer to a durable feeding write
type FeedingReceipt struct {
	Message       string    `json:"message"`
	FeedingDate   time.Time `json:"feedingDate"`
	TotalFeedings int       `json:"totalFeedings"`
	DeviceStatus  string    `json:"deviceStatus"`
}

// Client talks JSON with Bearer auth. Reads are retried with exponential
// backoff; writes are sent once.
type Client struct {
	http       *http.Client
	baseURL    string
	maxRetries int
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	token string
	email string
}

// New creates a client from the backend section
func New(cfg config.BackendConfig) *Client {
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: retries,
		token:      cfg.Token,
		email:      cfg.Email,
		sleep:      sleepCtx,
		logger:     log.With().Str("component", "backend").Logger(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetToken sets the bearer token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the bearer token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Email is the account the client acts for
func (c *Client) Email() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.email
}

type authResponse struct {
	Token    string `json:"token"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Login exchanges credentials for a token and keeps it
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp authResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/user/login", body, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	c.mu.Lock()
	c.token = resp.Token
	c.email = email
	c.mu.Unlock()
	return resp.Token, nil
}

// Register creates an account and keeps its token
func (c *Client) Register(ctx context.Context, email, password string) (string, error) {
	var resp authResponse
	body := map[string]string{"email": email, "password": password, "confirmPassword": password}
	if err := c.do(ctx, http.MethodPost, "/api/user/register", body, &resp); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	c.mu.Lock()
	c.token = resp.Token
	c.email = email
	c.mu.Unlock()
	return resp.Token, nil
}

// ListUserDevices returns the account's devices in claim order
func (c *Client) ListUserDevices(ctx context.Context, email string) ([]*models.Device, error) {
	var resp struct {
		Devices []*models.Device `json:"devices"`
	}
	path := "/api/device/getUserDevicesWithDetails/" + url.PathEscape(email)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return resp.Devices, nil
}

// GetDevice fetches one device record
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var dev models.Device
	if err := c.get(ctx, "/api/device/getDeviceById/"+url.PathEscape(deviceID), &dev); err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &dev, nil
}

// RecordFeeding appends a feeding-history entry
func (c *Client) RecordFeeding(ctx context.Context, deviceID string) (*FeedingReceipt, error) {
	var receipt FeedingReceipt
	body := map[string]string{"deviceId": deviceID}
	if err := c.do(ctx, http.MethodPost, "/api/device/addFeedingToHistory", body, &receipt); err != nil {
		return nil, fmt.Errorf("record feeding: %w", err)
	}
	return &receipt, nil
}

// FeedingHistory returns the device's feeding history summary
func (c *Client) FeedingHistory(ctx context.Context, deviceID string) (*models.FeedingStats, error) {
	var stats models.FeedingStats
	if err := c.get(ctx, "/api/device/getFeedingHistory/"+url.PathEscape(deviceID), &stats); err != nil {
		return nil, fmt.Errorf("feeding history: %w", err)
	}
	return &stats, nil
}

// Schedules returns the device's schedule view
func (c *Client) Schedules(ctx context.Context, deviceID string) ([]models.Schedule, error) {
	var out []models.Schedule
	if err := c.get(ctx, "/api/device/schedules/"+url.PathEscape(deviceID), &out); err != nil {
		return nil, fmt.Errorf("schedules: %w", err)
	}
	return out, nil
}

type feedingTimeResponse struct {
	Message     string   `json:"message"`
	FeedingTime []string `json:"feedingTime"`
}

// AddSchedule appends a feeding time and returns the new list
func (c *Client) AddSchedule(ctx context.Context, deviceID, at string) ([]string, error) {
	var resp feedingTimeResponse
	body := map[string]string{"time": at}
	if err := c.do(ctx, http.MethodPost, "/api/device/"+url.PathEscape(deviceID)+"/addSchedule", body, &resp); err != nil {
		return nil, fmt.Errorf("add schedule: %w", err)
	}
	return resp.FeedingTime, nil
}

// DeleteSchedule removes the feeding time at index and returns the new list
func (c *Client) DeleteSchedule(ctx context.Context, deviceID string, index int) ([]string, error) {
	var resp feedingTimeResponse
	body := map[string]int{"scheduleIndex": index}
	if err := c.do(ctx, http.MethodDelete, "/api/device/"+url.PathEscape(deviceID)+"/deleteSchedule", body, &resp); err != nil {
		return nil, fmt.Errorf("delete schedule: %w", err)
	}
	return resp.FeedingTime, nil
}

// SetAutoFeeding toggles scheduled feeding
func (c *Client) SetAutoFeeding(ctx context.Context, deviceID string, enabled bool) error {
	body := map[string]bool{"autoFeeding": enabled}
	if err := c.do(ctx, http.MethodPut, "/api/device/"+url.PathEscape(deviceID)+"/auto-feeding", body, nil); err != nil {
		return fmt.Errorf("auto feeding: %w", err)
	}
	return nil
}

// get retries transport failures and 5xx answers, waiting 2^i seconds
// between tries
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	var err error
	for i := 0; i < c.maxRetries; i++ {
		err = c.do(ctx, http.MethodGet, path, nil, result)
		if err == nil || !retryable(err) || i == c.maxRetries-1 {
			return err
		}

		delay := time.Duration(1<<uint(i)) * time.Second
		c.logger.Warn().Err(err).Str("path", path).Int("attempt", i+1).Dur("delay", delay).Msg("Request failed, retrying")
		if serr := c.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("Sending request")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	return c.parseResponse(resp, result)
}

func (c *Client) parseResponse(resp *http.Response, result interface{}) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &errResp)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
