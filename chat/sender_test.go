package chat

import (
	"context"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestSend_EmitsTaggedCommand(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSession(t, mock)
	sender := NewSender(s)

	expected := frame(t, EventSendMessage, SendMessagePayload{
		ConversationID: "conv-1",
		Content:        "hello",
		LocalID:        "t1-abc",
		MessageType:    "text",
	})
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, expected).Return(nil)

	err := sender.Send(context.Background(), "conv-1", "hello", "t1-abc")
	assert.NoError(t, err)
}

func TestEdit_EmitsReplacementCommand(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSession(t, mock)
	sender := NewSender(s)

	expected := frame(t, EventEditMessage, EditMessagePayload{
		MessageID:      "m1",
		ConversationID: "conv-1",
		Content:        "revised",
	})
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, expected).Return(nil)

	err := sender.Edit(context.Background(), "m1", "conv-1", "revised")
	assert.NoError(t, err)
}

func TestDelete_EmitsRemovalCommand(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSession(t, mock)
	sender := NewSender(s)

	expected := frame(t, EventDeleteMessage, DeleteMessagePayload{
		MessageID:      "m1",
		ConversationID: "conv-1",
	})
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, expected).Return(nil)

	err := sender.Delete(context.Background(), "m1", "conv-1")
	assert.NoError(t, err)
}

func TestNewLocalID_Unique(t *testing.T) {
	seen := make(map[string]bool)

	for range 100 {
		id := NewLocalID()
		require.False(t, seen[id], "duplicate local id %s", id)
		seen[id] = true

		assert.Regexp(t, `^t\d+-[0-9a-f]{8}$`, id)
	}
}
