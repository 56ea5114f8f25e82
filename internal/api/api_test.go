package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowfeeder/meowfeeder/internal/config"
	"github.com/meowfeeder/meowfeeder/internal/events"
	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/storage"
)

const testPassword = "Whiskers9"

type published struct {
	DeviceID string
	Kind     events.Kind
	Data     interface{}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *capturePublisher) Publish(_ context.Context, deviceID string, kind events.Kind, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{DeviceID: deviceID, Kind: kind, Data: data})
	return nil
}

type testServer struct {
	t     *testing.T
	srv   *RESTServer
	store *storage.MemoryStore
	pub   *capturePublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.JWT.Secret = "test-secret"
	cfg.Web.StaticDir = ""
	store := storage.NewMemoryStore()
	pub := &capturePublisher{}
	return &testServer{t: t, srv: NewRESTServer(cfg, store, pub), store: store, pub: pub}
}

func (ts *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (ts *testServer) register(email string) string {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/user/register", "", map[string]string{
		"email":           email,
		"password":        testPassword,
		"confirmPassword": testPassword,
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp authResponse
	decodeBody(ts.t, rec, &resp)
	return resp.Token
}

// claimedDevice registers email and claims a fresh device for it
func (ts *testServer) claimedDevice(email string) (string, uuid.UUID) {
	ts.t.Helper()
	token := ts.register(email)
	device := models.NewDevice()
	require.NoError(ts.t, ts.store.CreateDevice(context.Background(), device))

	rec := ts.do(http.MethodPost, "/api/device/addDeviceToUser", token, map[string]string{
		"userEmail": email,
		"deviceId":  device.ID.String(),
	})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return token, device.ID
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	msg, _ := body["error"].(string)
	return msg
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.register("taken@example.com")

	tests := []struct {
		name    string
		body    map[string]string
		wantErr string
		field   string
	}{
		{
			name:    "missing fields",
			body:    map[string]string{"email": "", "password": ""},
			wantErr: msgFieldsRequired,
			field:   "email",
		},
		{
			name:    "invalid email",
			body:    map[string]string{"email": "nobody", "password": testPassword, "confirmPassword": testPassword},
			wantErr: msgInvalidEmail,
			field:   "email",
		},
		{
			name:    "email in use",
			body:    map[string]string{"email": "TAKEN@example.com", "password": testPassword, "confirmPassword": testPassword},
			wantErr: msgEmailTaken,
			field:   "email",
		},
		{
			name:    "weak password",
			body:    map[string]string{"email": "new@example.com", "password": "short", "confirmPassword": "short"},
			wantErr: msgWeakPassword,
			field:   "pass",
		},
		{
			name:    "mismatch",
			body:    map[string]string{"email": "new@example.com", "password": testPassword, "confirmPassword": testPassword + "x"},
			wantErr: msgPasswordMismatch,
			field:   "pass",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/user/signup", "", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var body struct {
				Error       string       `json:"error"`
				ErrorFields []fieldError `json:"errorFields"`
			}
			decodeBody(t, rec, &body)
			assert.Equal(t, tt.wantErr, body.Error)
			require.NotEmpty(t, body.ErrorFields)
			assert.Equal(t, tt.field, body.ErrorFields[0].Field)
		})
	}
}

func TestRegisterReturnsToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/user/register", "", map[string]string{
		"email":    "cat@example.com",
		"password": testPassword,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp authResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "cat@example.com", resp.Username)
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.RefreshToken)

	claims, err := ts.srv.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "cat@example.com", claims.Email)
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.register("cat@example.com")

	tests := []struct {
		name     string
		email    string
		password string
		wantCode int
		wantErr  string
	}{
		{"success", "cat@example.com", testPassword, http.StatusOK, ""},
		{"wrong password", "cat@example.com", "Whiskers0", http.StatusBadRequest, msgWrongPassword},
		{"unknown account", "dog@example.com", testPassword, http.StatusBadRequest, msgNoAccount},
		{"missing fields", "", "", http.StatusBadRequest, msgFieldsRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/user/login", "", map[string]string{
				"email":    tt.email,
				"password": tt.password,
			})
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, errorOf(t, rec))
				return
			}
			var resp authResponse
			decodeBody(t, rec, &resp)
			assert.NotEmpty(t, resp.Token)
		})
	}

	user, err := ts.store.GetUserByEmail(context.Background(), "cat@example.com")
	require.NoError(t, err)
	assert.NotNil(t, user.LastLoginAt)
}

func TestRefresh(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/user/register", "", map[string]string{
		"email":    "cat@example.com",
		"password": testPassword,
	})
	var resp authResponse
	decodeBody(t, rec, &resp)

	rec = ts.do(http.MethodPost, "/api/user/refresh", "", map[string]string{"refreshToken": resp.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/api/user/refresh", "", map[string]string{"refreshToken": resp.Token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceRoutesRequireLogin(t *testing.T) {
	ts := newTestServer(t)

	for _, header := range []string{"", "garbage"} {
		rec := ts.do(http.MethodPost, "/api/device/createDevice", header, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, msgLoginRequired, errorOf(t, rec))
	}
}

func TestCreateAndClaimDevice(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register("cat@example.com")

	rec := ts.do(http.MethodPost, "/api/device/createDevice", token, map[string]string{"ipAddress": "10.0.0.5"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		NewDevice models.Device `json:"newDevice"`
	}
	decodeBody(t, rec, &created)
	assert.Equal(t, models.OwnerNotSet, created.NewDevice.OwnerEmail)
	assert.Equal(t, models.DeviceStatusOffline, created.NewDevice.Status)
	id := created.NewDevice.ID.String()

	rec = ts.do(http.MethodPost, "/api/device/addDeviceToUser", token, map[string]string{
		"userEmail": "cat@example.com",
		"deviceId":  id,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claimed struct {
		Message string        `json:"message"`
		Device  models.Device `json:"device"`
	}
	decodeBody(t, rec, &claimed)
	assert.Equal(t, msgDeviceAdded, claimed.Message)
	assert.Equal(t, "cat@example.com", claimed.Device.OwnerEmail)
	assert.Equal(t, models.DeviceStatusOnline, claimed.Device.Status)

	rec = ts.do(http.MethodPost, "/api/device/addDeviceToUser", token, map[string]string{
		"userEmail": "cat@example.com",
		"deviceId":  id,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgDeviceClaimed, errorOf(t, rec))

	rec = ts.do(http.MethodGet, "/api/device/getUserDevicesWithDetails/cat@example.com", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Devices []models.Device `json:"devices"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "10.0.0.5", list.Devices[0].IPAddress)
}

func TestAddDeviceToUserErrors(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register("cat@example.com")

	tests := []struct {
		name     string
		body     map[string]string
		wantCode int
		wantErr  string
	}{
		{"missing fields", map[string]string{"userEmail": "cat@example.com"}, http.StatusBadRequest, msgEmailDeviceRequired},
		{"other user", map[string]string{"userEmail": "dog@example.com", "deviceId": uuid.NewString()}, http.StatusForbidden, msgAccessDenied},
		{"unknown device", map[string]string{"userEmail": "cat@example.com", "deviceId": uuid.NewString()}, http.StatusNotFound, msgDeviceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/device/addDeviceToUser", token, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, errorOf(t, rec))
		})
	}
}

func TestOtherUsersDeviceIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	_, id := ts.claimedDevice("cat@example.com")
	intruder := ts.register("dog@example.com")

	rec := ts.do(http.MethodGet, "/api/device/getDeviceById/"+id.String(), intruder, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, msgAccessDenied, errorOf(t, rec))

	rec = ts.do(http.MethodGet, "/api/device/getUserDevices/cat@example.com", intruder, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/device/getDeviceById/"+uuid.NewString(), intruder, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token, id := ts.claimedDevice("cat@example.com")
	base := "/api/device/" + id.String()

	rec := ts.do(http.MethodPost, base+"/addSchedule", token, map[string]string{"time": "08:30"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var added struct {
		Message     string   `json:"message"`
		FeedingTime []string `json:"feedingTime"`
	}
	decodeBody(t, rec, &added)
	assert.Equal(t, msgScheduleAdded, added.Message)
	assert.Equal(t, []string{"08:30"}, added.FeedingTime)

	rec = ts.do(http.MethodGet, "/api/device/schedules/"+id.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schedules []models.Schedule
	decodeBody(t, rec, &schedules)
	require.Len(t, schedules, 1)
	assert.Equal(t, models.Schedule{
		ID: 0, Time: "08:30", Hour: "08", Minute: "30", Enabled: true, Portion: models.DefaultPortion,
	}, schedules[0])

	errCases := []struct {
		name    string
		method  string
		path    string
		body    interface{}
		wantErr string
	}{
		{"duplicate", http.MethodPost, "/addSchedule", map[string]string{"time": "08:30"}, msgDuplicateTime},
		{"bad format", http.MethodPost, "/addSchedule", map[string]string{"time": "25:00"}, msgInvalidTime},
		{"missing time", http.MethodPost, "/addSchedule", map[string]string{}, msgTimeRequired},
		{"missing index", http.MethodDelete, "/deleteSchedule", map[string]string{}, msgIndexRequired},
		{"index out of range", http.MethodDelete, "/deleteSchedule", map[string]int{"scheduleIndex": 3}, msgInvalidIndex},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, base+tt.path, token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantErr, errorOf(t, rec))
		})
	}

	rec = ts.do(http.MethodDelete, base+"/deleteSchedule", token, map[string]int{"scheduleIndex": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted struct {
		FeedingTime []string `json:"feedingTime"`
	}
	decodeBody(t, rec, &deleted)
	assert.Empty(t, deleted.FeedingTime)
}

func TestModifyFeedingTime(t *testing.T) {
	ts := newTestServer(t)
	token, id := ts.claimedDevice("cat@example.com")

	rec := ts.do(http.MethodPost, "/api/device/modifyFeedingTime", token, map[string]interface{}{
		"deviceId": id.String(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgFeedingTimeRequired, errorOf(t, rec))

	rec = ts.do(http.MethodPost, "/api/device/modifyFeedingTime", token, map[string]interface{}{
		"deviceId":    id.String(),
		"feedingTime": []string{"07:00", "07:00"},
	})
	assert.Equal(t, msgDuplicateTime, errorOf(t, rec))

	rec = ts.do(http.MethodPost, "/api/device/modifyFeedingTime", token, map[string]interface{}{
		"deviceId":    id.String(),
		"feedingTime": []string{"07:00", "19:30"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	device, err := ts.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"07:00", "19:30"}, device.FeedingTime)
}

func TestAutoFeeding(t *testing.T) {
	ts := newTestServer(t)
	token, id := ts.claimedDevice("cat@example.com")
	path := "/api/device/" + id.String() + "/auto-feeding"

	rec := ts.do(http.MethodPut, path, token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, path, token, map[string]bool{"autoFeeding": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), msgAutoFeedingUpdated)

	device, err := ts.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, device.AutoFeeding)
}

func TestFeedingHistory(t *testing.T) {
	ts := newTestServer(t)
	token, id := ts.claimedDevice("cat@example.com")
	fedAt := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	ts.srv.now = func() time.Time { return fedAt }

	rec := ts.do(http.MethodPost, "/api/device/addFeedingToHistory", token, map[string]string{"deviceId": id.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var receipt struct {
		Message       string              `json:"message"`
		FeedingDate   time.Time           `json:"feedingDate"`
		TotalFeedings int                 `json:"totalFeedings"`
		DeviceStatus  models.DeviceStatus `json:"deviceStatus"`
	}
	decodeBody(t, rec, &receipt)
	assert.Equal(t, msgFeedingRecorded, receipt.Message)
	assert.True(t, fedAt.Equal(receipt.FeedingDate))
	assert.Equal(t, 1, receipt.TotalFeedings)
	assert.Equal(t, models.DeviceStatusOnline, receipt.DeviceStatus)

	rec = ts.do(http.MethodGet, "/api/device/getFeedingHistory/"+id.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.FeedingStats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.TotalFeedings)
	require.NotNil(t, stats.LastFeedTime)
	assert.True(t, fedAt.Equal(*stats.LastFeedTime))

	require.Len(t, ts.pub.events, 1)
	assert.Equal(t, events.KindFeedingRecorded, ts.pub.events[0].Kind)
	assert.Equal(t, id.String(), ts.pub.events[0].DeviceID)
}

func TestUpdateStatusAndNetwork(t *testing.T) {
	ts := newTestServer(t)
	token, id := ts.claimedDevice("cat@example.com")
	base := "/api/device/" + id.String()

	rec := ts.do(http.MethodPut, base+"/status", token, map[string]string{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidStatus, errorOf(t, rec))

	rec = ts.do(http.MethodPut, base+"/status", token, map[string]string{"status": "feeding"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPut, base+"/network", token, map[string]string{"ipAddress": "not a host"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, base+"/network", token, map[string]string{"ipAddress": "192.168.1.40"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	device, err := ts.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusFeeding, device.Status)
	assert.Equal(t, "192.168.1.40", device.IPAddress)

	require.Len(t, ts.pub.events, 1)
	assert.Equal(t, events.KindDeviceStatus, ts.pub.events[0].Kind)
}

func TestListDeviceEvents(t *testing.T) {
	ts := newTestServer(t)
	token, id := ts.claimedDevice("cat@example.com")
	ctx := context.Background()

	for _, typ := range []models.EventType{models.EventTypeFeedComplete, models.EventTypeDeviceStatus, models.EventTypeFeedComplete} {
		require.NoError(t, ts.store.CreateEventLog(ctx, &models.EventLog{
			DeviceID: &id,
			Type:     typ,
			Level:    models.EventLevelInfo,
		}))
	}

	rec := ts.do(http.MethodGet, "/api/device/"+id.String()+"/events?type=FEED_COMPLETE", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Events []models.EventLog `json:"events"`
		Total  int64             `json:"total"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, int64(2), resp.Total)
	assert.Len(t, resp.Events, 2)

	rec = ts.do(http.MethodGet, "/api/device/"+id.String()+"/events?since=yesterday", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
