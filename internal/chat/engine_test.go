package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/chat"
)

type markReadCall struct {
	chatID string
	ids    []string
}

type fakeStore struct {
	mu            sync.Mutex
	messages      map[string][]chat.Message
	readErr       error
	insertErr     error
	markReadErr   error
	inserted      []chat.Message
	markReadCalls []markReadCall
	onRead        func() // runs inside ReadOrdered, before it returns
}

func (s *fakeStore) ReadOrdered(_ context.Context, chatID string) ([]chat.Message, error) {
	if s.onRead != nil {
		s.onRead()
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages[chatID]...), nil
}

func (s *fakeStore) Insert(_ context.Context, msg chat.Message) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, msg)
	return nil
}

func (s *fakeStore) MarkRead(_ context.Context, chatID string, ids []string) error {
	if s.markReadErr != nil {
		return s.markReadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReadCalls = append(s.markReadCalls, markReadCall{chatID: chatID, ids: append([]string(nil), ids...)})
	return nil
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]chat.Profile
	failFor  map[string]error
	lookups  int
}

func (p *fakeProfiles) GetProfile(_ context.Context, userID string) (string, string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	if err := p.failFor[userID]; err != nil {
		return "", "", "", err
	}
	prof, ok := p.profiles[userID]
	if !ok {
		return "", "", "", errors.New("not found")
	}
	return prof.Name, prof.Phone, prof.AvatarURL, nil
}

type fakeSub struct {
	chatID  string
	handler chat.FeedHandler
	closed  bool
}

func (s *fakeSub) Unsubscribe() { s.closed = true }

type fakeFeed struct {
	mu           sync.Mutex
	subs         []*fakeSub
	subscribeErr error
}

func (f *fakeFeed) Subscribe(_ context.Context, chatID string, h chat.FeedHandler) (chat.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{chatID: chatID, handler: h}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func newTestEngine(t *testing.T) (*chat.Engine, *fakeStore, *fakeProfiles, *fakeFeed) {
	t.Helper()
	store := &fakeStore{messages: make(map[string][]chat.Message)}
	profiles := &fakeProfiles{
		profiles: map[string]chat.Profile{
			"U1": {Name: "Alice", Phone: "111", AvatarURL: "a.png"},
			"U2": {Name: "Bob", Phone: "222", AvatarURL: "b.png"},
		},
		failFor: make(map[string]error),
	}
	feed := &fakeFeed{}
	e := chat.NewEngine(store, profiles, feed, zap.NewNop().Sugar())
	e.Location(time.UTC)
	return e, store, profiles, feed
}

func at(hour, min int) time.Time {
	return time.Date(2026, 8, 30, hour, min, 0, 0, time.UTC)
}

func msg(id, chatID, sender string, ts time.Time, read bool) chat.Message {
	return chat.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  sender,
		Content:   "content of " + id,
		CreatedAt: ts,
		IsRead:    read,
	}
}

func ids(view chat.View) []string {
	out := make([]string, 0, len(view.Messages))
	for _, m := range view.Messages {
		out = append(out, m.ID)
	}
	return out
}

func TestSnapshotBeforeInitialize(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	view := e.Snapshot()
	assert.Empty(t, view.Messages)
	assert.Empty(t, view.Buckets)
	assert.Equal(t, chat.StateIdle, e.State())
}

func TestInitializeLoadsAndBatchesReadFlags(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{
		msg("m1", "C1", "U2", at(10, 0), false),
		msg("m2", "C1", "U1", at(10, 1), false),
		msg("m3", "C1", "U2", at(10, 2), true),
	}

	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	assert.Equal(t, chat.StateLive, e.State())
	assert.Equal(t, "C1", feed.last().chatID)

	// Exactly one batched request, containing exactly the foreign unread ids.
	require.Len(t, store.markReadCalls, 1)
	assert.Equal(t, "C1", store.markReadCalls[0].chatID)
	assert.Equal(t, []string{"m1"}, store.markReadCalls[0].ids)

	view := e.Snapshot()
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(view))
	assert.False(t, view.Messages[0].Mine)
	assert.True(t, view.Messages[0].IsRead, "confirmed batch update should reflect locally")
	assert.True(t, view.Messages[1].Mine)
	assert.False(t, view.Messages[1].IsRead, "own unread message is not the viewer's to mark")
}

func TestInitializeSwitchIsHardReset(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U2", at(9, 0), true)}
	store.messages["C2"] = []chat.Message{msg("m9", "C2", "U2", at(9, 5), true)}

	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	require.NoError(t, e.Initialize(context.Background(), "C2", "U1"))

	view := e.Snapshot()
	assert.Equal(t, []string{"m9"}, ids(view))
	assert.Equal(t, "C2", view.ChatID)

	require.Len(t, feed.subs, 2)
	assert.True(t, feed.subs[0].closed, "previous subscription must be released")
	assert.False(t, feed.subs[1].closed)
}

func TestInitializeFetchFailure(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.readErr = errors.New("boom")

	err := e.Initialize(context.Background(), "C1", "U1")
	require.Error(t, err)
	assert.Equal(t, chat.StateIdle, e.State())
	assert.Empty(t, e.Snapshot().Messages)
	assert.True(t, feed.last().closed, "failed load must not leak its subscription")

	// Caller may retry.
	store.readErr = nil
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	assert.Equal(t, chat.StateLive, e.State())
}

func TestInitializeSubscribeFailure(t *testing.T) {
	e, _, _, feed := newTestEngine(t)
	feed.subscribeErr = errors.New("broker down")

	err := e.Initialize(context.Background(), "C1", "U1")
	require.Error(t, err)
	assert.Equal(t, chat.StateIdle, e.State())
}

func TestInitializeRequiresViewer(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	err := e.Initialize(context.Background(), "C1", "")
	assert.ErrorIs(t, err, chat.ErrViewerRequired)
}

func TestBatchMarkReadFailureIsNonFatal(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U2", at(10, 0), false)}
	store.markReadErr = errors.New("write refused")

	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	assert.Equal(t, chat.StateLive, e.State())

	view := e.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.False(t, view.Messages[0].IsRead, "unconfirmed update must not flip the local flag")
}

func TestInsertEventOutOfOrderArrival(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m3", "C1", "U1", at(10, 10), true)}
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	// Delayed event for an earlier message must land before m3.
	feed.last().handler.OnInsert(msg("m2", "C1", "U2", at(10, 5), true))

	assert.Equal(t, []string{"m2", "m3"}, ids(e.Snapshot()))
}

func TestInsertEventsAnyPermutation(t *testing.T) {
	events := []chat.Message{
		msg("mA", "C1", "U2", at(10, 0), true),
		msg("mB", "C1", "U2", at(10, 5), true),
		msg("mC", "C1", "U2", at(10, 5), true), // same timestamp as mB, later id
		msg("mD", "C1", "U2", at(10, 9), true),
	}
	perms := [][]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2},
	}

	for _, perm := range perms {
		e, _, _, feed := newTestEngine(t)
		require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
		for _, i := range perm {
			feed.last().handler.OnInsert(events[i])
		}
		assert.Equal(t, []string{"mA", "mB", "mC", "mD"}, ids(e.Snapshot()), "permutation %v", perm)
	}
}

func TestInsertEventIdempotent(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U2", at(10, 0), true)}
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	// Once for a message already in the initial read, twice for a new one.
	feed.last().handler.OnInsert(msg("m1", "C1", "U2", at(10, 0), true))
	feed.last().handler.OnInsert(msg("m2", "C1", "U2", at(10, 1), true))
	feed.last().handler.OnInsert(msg("m2", "C1", "U2", at(10, 1), true))

	assert.Equal(t, []string{"m1", "m2"}, ids(e.Snapshot()))
}

func TestInsertEventResolvesSenderProfile(t *testing.T) {
	e, _, _, feed := newTestEngine(t)
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	// Feed payloads never carry the profile snapshot.
	feed.last().handler.OnInsert(msg("m1", "C1", "U2", at(10, 0), true))

	view := e.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "Bob", view.Messages[0].Sender.Name)
	assert.Equal(t, "222", view.Messages[0].Sender.Phone)
}

func TestInsertEventLookupFailureDropsEvent(t *testing.T) {
	e, store, profiles, feed := newTestEngine(t)
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	profiles.failFor["U9"] = errors.New("not found")

	feed.last().handler.OnInsert(msg("m1", "C1", "U9", at(10, 0), false))

	assert.Empty(t, e.Snapshot().Messages, "message with no attributable sender must not display")
	assert.Empty(t, store.markReadCalls, "dropped event must not trigger a read-flag write")
}

func TestInsertForeignUnreadMarksReadImmediately(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	feed.last().handler.OnInsert(msg("m1", "C1", "U2", at(10, 0), false))

	require.Len(t, store.markReadCalls, 1)
	assert.Equal(t, markReadCall{chatID: "C1", ids: []string{"m1"}}, store.markReadCalls[0])

	view := e.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.True(t, view.Messages[0].IsRead)
}

func TestInsertForeignMarkReadFailureLeavesFlag(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	store.markReadErr = errors.New("write refused")

	feed.last().handler.OnInsert(msg("m1", "C1", "U2", at(10, 0), false))

	view := e.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.False(t, view.Messages[0].IsRead, "discrepancy is left for the next full load")
}

func TestInsertOwnMessageNeedsNoReadFlag(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	feed.last().handler.OnInsert(msg("m1", "C1", "U1", at(10, 0), false))

	assert.Empty(t, store.markReadCalls)
	view := e.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.True(t, view.Messages[0].Mine)
	assert.False(t, view.Messages[0].IsRead)
}

func TestUpdateEventUnknownIDIsNoop(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U1", at(10, 0), false)}
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	before := e.Snapshot()

	read := true
	feed.last().handler.OnUpdate(chat.MessageUpdate{ID: "missing", IsRead: &read})

	assert.Equal(t, before, e.Snapshot())
}

func TestUpdateEventMergesReadFlag(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	// Viewer's own message; the other side marks it read remotely.
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U1", at(10, 0), false)}
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	read := true
	feed.last().handler.OnUpdate(chat.MessageUpdate{ID: "m1", IsRead: &read})

	view := e.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.True(t, view.Messages[0].IsRead)
	assert.Equal(t, "content of m1", view.Messages[0].Content, "fields absent from the payload stay untouched")
}

func TestUpdateEventReadFlagIsMonotonic(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U1", at(10, 0), true)}
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	unread := false
	feed.last().handler.OnUpdate(chat.MessageUpdate{ID: "m1", IsRead: &unread})

	assert.True(t, e.Snapshot().Messages[0].IsRead, "read flag never goes true -> false")
}

func TestSendMessageValidation(t *testing.T) {
	e, store, _, _ := newTestEngine(t)

	err := e.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, chat.ErrNotInitialized)

	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	assert.ErrorIs(t, e.SendMessage(context.Background(), ""), chat.ErrEmptyMessage)
	assert.ErrorIs(t, e.SendMessage(context.Background(), "   \t\n"), chat.ErrEmptyMessage)

	assert.Empty(t, store.inserted, "no insert request for empty text")
	assert.Empty(t, e.Snapshot().Messages)
}

func TestSendMessageHasNoOptimisticRender(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	require.NoError(t, e.SendMessage(context.Background(), "  hi there  "))

	require.Len(t, store.inserted, 1)
	sent := store.inserted[0]
	assert.Equal(t, "hi there", sent.Content)
	assert.Equal(t, "C1", sent.ChatID)
	assert.Equal(t, "U1", sent.SenderID)
	assert.False(t, sent.IsRead)

	assert.Empty(t, e.Snapshot().Messages, "message renders only via its own feed event")

	sent.ID = "m1"
	feed.last().handler.OnInsert(sent)
	view := e.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.True(t, view.Messages[0].Mine)
}

func TestSendMessageInsertFailure(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	store.insertErr = errors.New("insert refused")

	err := e.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Empty(t, e.Snapshot().Messages)
}

func TestTeardownIsIdempotent(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U2", at(10, 0), true)}
	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	e.Teardown()
	e.Teardown()

	assert.True(t, feed.last().closed)
	assert.Equal(t, chat.StateIdle, e.State())
	assert.Empty(t, e.Snapshot().Messages)
}

func TestStrayEventAfterTeardownIsNoop(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C2"] = []chat.Message{msg("m9", "C2", "U2", at(11, 0), true)}

	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	old := feed.last()

	e.Teardown()
	require.NoError(t, e.Initialize(context.Background(), "C2", "U1"))

	// In-flight callbacks from the first conversation's feed.
	old.handler.OnInsert(msg("m1", "C1", "U2", at(10, 0), false))
	read := true
	old.handler.OnUpdate(chat.MessageUpdate{ID: "m9", IsRead: &read})

	view := e.Snapshot()
	assert.Equal(t, []string{"m9"}, ids(view))
	assert.Equal(t, "C2", view.ChatID)
}

func TestEventDuringInitialReadIsNotLost(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U2", at(10, 0), true)}
	store.onRead = func() {
		// Subscription is already open while the read is in flight.
		feed.last().handler.OnInsert(msg("m2", "C1", "U2", at(10, 5), true))
		// A duplicate of a row the read is about to return.
		feed.last().handler.OnInsert(msg("m1", "C1", "U2", at(10, 0), true))
	}

	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	assert.Equal(t, []string{"m1", "m2"}, ids(e.Snapshot()))
}

func TestTeardownDuringLoading(t *testing.T) {
	e, store, _, feed := newTestEngine(t)
	store.messages["C1"] = []chat.Message{msg("m1", "C1", "U2", at(10, 0), false)}
	store.messages["C2"] = []chat.Message{msg("m9", "C2", "U2", at(11, 0), true)}
	store.onRead = func() {
		store.onRead = nil
		e.Teardown()
	}

	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))
	assert.Equal(t, chat.StateIdle, e.State())
	assert.Empty(t, e.Snapshot().Messages)
	assert.Empty(t, store.markReadCalls, "torn-down load must not issue read-flag writes")

	old := feed.subs[0]
	require.NoError(t, e.Initialize(context.Background(), "C2", "U1"))
	old.handler.OnInsert(msg("m1", "C1", "U2", at(10, 0), false))

	assert.Equal(t, []string{"m9"}, ids(e.Snapshot()))
}

func TestSnapshotDateBuckets(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	day1 := time.Date(2026, 8, 29, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 30, 0, 10, 0, 0, time.UTC)
	store.messages["C1"] = []chat.Message{
		msg("m1", "C1", "U1", day1, true),
		msg("m2", "C1", "U2", day1.Add(5*time.Minute), true),
		msg("m3", "C1", "U2", day2, true),
	}

	require.NoError(t, e.Initialize(context.Background(), "C1", "U1"))

	view := e.Snapshot()
	require.Len(t, view.Buckets, 2)
	assert.Equal(t, "2026-08-29", view.Buckets[0].Date)
	assert.Len(t, view.Buckets[0].Messages, 2)
	assert.Equal(t, "2026-08-30", view.Buckets[1].Date)
	assert.Equal(t, "m3", view.Buckets[1].Messages[0].ID)
}
