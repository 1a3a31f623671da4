package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/chat"
)

type recordingHandler struct {
	inserts []chat.Message
	updates []chat.MessageUpdate
}

func (h *recordingHandler) OnInsert(msg chat.Message)       { h.inserts = append(h.inserts, msg) }
func (h *recordingHandler) OnUpdate(upd chat.MessageUpdate) { h.updates = append(h.updates, upd) }

func TestDispatchInsert(t *testing.T) {
	h := &recordingHandler{}
	payload, err := encodeInsert(chat.Message{ID: "m1", ChatID: "C1", SenderID: "U2", Content: "hi"})
	require.NoError(t, err)

	dispatch(payload, h, zap.NewNop().Sugar())

	require.Len(t, h.inserts, 1)
	assert.Equal(t, "m1", h.inserts[0].ID)
	assert.Equal(t, "C1", h.inserts[0].ChatID)
	assert.Empty(t, h.updates)
}

func TestDispatchRead(t *testing.T) {
	h := &recordingHandler{}
	payload, err := encodeRead("m1")
	require.NoError(t, err)

	dispatch(payload, h, zap.NewNop().Sugar())

	require.Len(t, h.updates, 1)
	assert.Equal(t, "m1", h.updates[0].ID)
	require.NotNil(t, h.updates[0].IsRead)
	assert.True(t, *h.updates[0].IsRead)
}

func TestDispatchBadPayloads(t *testing.T) {
	h := &recordingHandler{}
	log := zap.NewNop().Sugar()

	dispatch([]byte("not json"), h, log)
	dispatch([]byte(`{"event":"insert"}`), h, log)        // missing body
	dispatch([]byte(`{"event":"delete","update":{}}`), h, log) // unknown event

	assert.Empty(t, h.inserts)
	assert.Empty(t, h.updates)
}
