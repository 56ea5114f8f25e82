package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(cmd protocol.Command) bool {
	args := m.Called(cmd)
	return args.Bool(0)
}

func TestFacade_Builders(t *testing.T) {
	tests := []struct {
		name string
		call func(*Facade, string) (protocol.Command, error)
		want protocol.CommandName
	}{
		{name: "feed", call: (*Facade).FeedNow, want: protocol.CommandFeedNow},
		{name: "status", call: (*Facade).GetStatus, want: protocol.CommandGetStatus},
		{name: "stop", call: (*Facade).StopFeed, want: protocol.CommandStopFeed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := new(MockSender)
			sender.On("Send", mock.MatchedBy(func(c protocol.Command) bool {
				return c.Command == tt.want && c.DeviceID == "abc123" && c.Timestamp > 0 && c.CorrelationID != ""
			})).Return(true).Once()

			cmd, err := tt.call(NewFacade(sender), "abc123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.Command)
			sender.AssertExpectations(t)
		})
	}
}

func TestFacade_MissingDeviceID(t *testing.T) {
	sender := new(MockSender)
	f := NewFacade(sender)

	for _, id := range []string{"", "  "} {
		_, err := f.FeedNow(id)
		assert.ErrorIs(t, err, ErrMissingDeviceID)
		_, err = f.GetStatus(id)
		assert.ErrorIs(t, err, ErrMissingDeviceID)
		_, err = f.StopFeed(id)
		assert.ErrorIs(t, err, ErrMissingDeviceID)
	}

	sender.AssertNotCalled(t, "Send", mock.Anything)
}

func TestFacade_NotSent(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything).Return(false).Once()

	cmd, err := NewFacade(sender).FeedNow("abc123")
	assert.ErrorIs(t, err, ErrNotSent)
	assert.Equal(t, "abc123", cmd.DeviceID)
	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestFacade_Issue(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything).Return(true)

	_, err := NewFacade(sender).Issue("reboot", "abc123")
	assert.Error(t, err)
	sender.AssertNotCalled(t, "Send", mock.Anything)

	cmd, err := NewFacade(sender).Issue(protocol.CommandStopFeed, "abc123")
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandStopFeed, cmd.Command)
}
