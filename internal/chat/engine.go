package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/metrics"
)

var (
	ErrViewerRequired = errors.New("viewer identity is not resolved")
	ErrNotInitialized = errors.New("engine has no active conversation")
	ErrEmptyMessage   = errors.New("message text is empty")
)

// MessageStore is what the engine needs from the system of record.
type MessageStore interface {
	ReadOrdered(ctx context.Context, chatID string) ([]Message, error)
	Insert(ctx context.Context, msg Message) error
	MarkRead(ctx context.Context, chatID string, ids []string) error
}

// ProfileLookup resolves a sender's display profile. Returns plain fields so
// implementations don't have to depend on this package's models.
type ProfileLookup interface {
	GetProfile(ctx context.Context, userID string) (name, phone, avatarURL string, err error)
}

// FeedHandler receives change-feed events. Delivery is at-least-once and
// unordered relative to any other source.
type FeedHandler interface {
	OnInsert(msg Message)
	OnUpdate(upd MessageUpdate)
}

type ChangeFeed interface {
	Subscribe(ctx context.Context, chatID string, h FeedHandler) (Subscription, error)
}

type Subscription interface {
	Unsubscribe()
}

// State of one conversation selection.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	default:
		return "idle"
	}
}

// Engine owns the in-memory view of one conversation: it merges the initial
// historical read with live insert/update events, keeps the set totally
// ordered by (created_at, id), and reconciles read state back to the store.
//
// All mutations go through e.mu, so an event racing the initial read can land
// on either side of the merge; because the merge is sorted and idempotent both
// interleavings produce the same snapshot.
type Engine struct {
	store    MessageStore
	profiles ProfileLookup
	feed     ChangeFeed
	log      *zap.SugaredLogger
	loc      *time.Location
	onChange func()

	mu       sync.Mutex
	state    State
	chatID   string
	viewerID string
	gen      uint64
	messages []Message
	ids      map[string]struct{}
	sub      Subscription
}

func NewEngine(store MessageStore, profiles ProfileLookup, feed ChangeFeed, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    store,
		profiles: profiles,
		feed:     feed,
		log:      log,
		loc:      time.Local,
		ids:      make(map[string]struct{}),
	}
}

// OnChange registers a callback fired after every snapshot-affecting change.
// Set it before Initialize; it runs outside the engine's lock.
func (e *Engine) OnChange(fn func()) {
	e.onChange = fn
}

// Location sets the zone used for date-bucket grouping (defaults to local).
func (e *Engine) Location(loc *time.Location) {
	if loc != nil {
		e.loc = loc
	}
}

// Initialize hard-resets the engine onto a conversation: it releases any
// prior subscription, opens a new one, performs the full ordered read, and
// batches a read-flag update for every unread foreign message. Events that
// arrive while the read is in flight are merged, not dropped.
func (e *Engine) Initialize(ctx context.Context, chatID, viewerID string) error {
	if viewerID == "" {
		return ErrViewerRequired
	}

	e.mu.Lock()
	e.teardownLocked()
	gen := e.gen
	e.chatID = chatID
	e.viewerID = viewerID
	e.state = StateLoading
	e.mu.Unlock()

	// Subscribe before fetching so nothing delivered mid-read is lost.
	sub, err := e.feed.Subscribe(ctx, chatID, &feedHandler{engine: e, gen: gen, chatID: chatID})
	if err != nil {
		e.resetIfCurrent(gen)
		return fmt.Errorf("subscribe %s: %w", chatID, err)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	e.sub = sub
	e.mu.Unlock()

	msgs, err := e.store.ReadOrdered(ctx, chatID)
	if err != nil {
		e.resetIfCurrent(gen)
		return fmt.Errorf("read messages for %s: %w", chatID, err)
	}

	var unread []string
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	for _, m := range msgs {
		e.insertLocked(m)
	}
	for _, m := range e.messages {
		if !m.IsRead && m.SenderID != viewerID {
			unread = append(unread, m.ID)
		}
	}
	e.mu.Unlock()
	e.notify()

	// Single batched request; one round trip regardless of backlog size.
	// Read state is best effort and never blocks display.
	if len(unread) > 0 {
		if err := e.store.MarkRead(ctx, chatID, unread); err != nil {
			metrics.StoreWriteFailures.WithLabelValues("mark_read").Inc()
			e.log.Warnw("batched read-flag update failed", "chat_id", chatID, "count", len(unread), "error", err)
		} else {
			e.mu.Lock()
			if e.gen == gen {
				e.setReadLocked(unread)
			}
			e.mu.Unlock()
			e.notify()
		}
	}

	e.mu.Lock()
	if e.gen == gen {
		e.state = StateLive
	}
	e.mu.Unlock()
	return nil
}

// SendMessage inserts the trimmed text for the active conversation. There is
// no optimistic render: the message only becomes visible once its own insert
// event returns through the feed, so the view never shows a failed send. On
// error the caller keeps the draft.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	chatID, viewerID := e.chatID, e.viewerID
	e.mu.Unlock()

	msg := Message{
		ChatID:    chatID,
		SenderID:  viewerID,
		Content:   text,
		CreatedAt: time.Now().UTC(),
		IsRead:    false,
	}
	if err := e.store.Insert(ctx, msg); err != nil {
		metrics.StoreWriteFailures.WithLabelValues("insert").Inc()
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Teardown releases the active subscription and empties the view. Safe to
// call any number of times; any in-flight event for the old conversation
// becomes a no-op.
func (e *Engine) Teardown() {
	e.mu.Lock()
	e.teardownLocked()
	e.mu.Unlock()
}

// Snapshot returns the current ordered view. Pure; callable at any time.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	view := View{ChatID: e.chatID, ViewerID: e.viewerID}
	view.Messages = make([]DisplayMessage, 0, len(e.messages))
	for _, m := range e.messages {
		view.Messages = append(view.Messages, DisplayMessage{Message: m, Mine: m.SenderID == e.viewerID})
	}
	e.mu.Unlock()

	for _, dm := range view.Messages {
		date := dm.CreatedAt.In(e.loc).Format("2006-01-02")
		if n := len(view.Buckets); n > 0 && view.Buckets[n-1].Date == date {
			view.Buckets[n-1].Messages = append(view.Buckets[n-1].Messages, dm)
			continue
		}
		view.Buckets = append(view.Buckets, DateBucket{Date: date, Messages: []DisplayMessage{dm}})
	}
	return view
}

// State reports the lifecycle phase of the current selection.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

type feedHandler struct {
	engine *Engine
	gen    uint64
	chatID string
}

func (h *feedHandler) OnInsert(msg Message) { h.engine.applyInsert(h.gen, h.chatID, msg) }

func (h *feedHandler) OnUpdate(upd MessageUpdate) { h.engine.applyUpdate(h.gen, upd) }

// applyInsert handles one live insert event: secondary sender lookup, sorted
// idempotent merge, then an immediate single-id read-flag update when the
// message is foreign and unread.
func (e *Engine) applyInsert(gen uint64, chatID string, msg Message) {
	e.mu.Lock()
	if e.gen != gen || msg.ChatID != e.chatID {
		e.mu.Unlock()
		return
	}
	viewerID := e.viewerID
	e.mu.Unlock()

	// The event payload carries only the message's own fields; a message with
	// no attributable sender is not displayable, so a failed lookup drops the
	// event rather than inserting it. No retry: the feed is at-least-once and
	// a later full read would recover it.
	name, phone, avatarURL, err := e.profiles.GetProfile(context.Background(), msg.SenderID)
	if err != nil {
		metrics.FeedEventsDropped.Inc()
		e.log.Warnw("dropping insert event, sender lookup failed",
			"chat_id", chatID, "message_id", msg.ID, "sender_id", msg.SenderID, "error", err)
		return
	}
	msg.Sender = Profile{Name: name, Phone: phone, AvatarURL: avatarURL}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	if !e.insertLocked(msg) {
		e.mu.Unlock()
		metrics.FeedDuplicatesIgnored.Inc()
		return
	}
	e.mu.Unlock()
	metrics.FeedInsertsApplied.Inc()
	e.notify()

	if msg.SenderID == viewerID || msg.IsRead {
		return
	}
	if err := e.store.MarkRead(context.Background(), chatID, []string{msg.ID}); err != nil {
		metrics.StoreWriteFailures.WithLabelValues("mark_read").Inc()
		e.log.Warnw("read-flag update failed for live message",
			"chat_id", chatID, "message_id", msg.ID, "error", err)
		return
	}
	e.mu.Lock()
	if e.gen == gen {
		e.setReadLocked([]string{msg.ID})
	}
	e.mu.Unlock()
	e.notify()
}

// applyUpdate merges a partial update into an existing record. Unknown ids
// are ignored (never loaded, nothing to patch); the read flag is monotonic so
// a false never overwrites a true.
func (e *Engine) applyUpdate(gen uint64, upd MessageUpdate) {
	changed := false
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	for i := range e.messages {
		if e.messages[i].ID != upd.ID {
			continue
		}
		if upd.IsRead != nil && *upd.IsRead && !e.messages[i].IsRead {
			e.messages[i].IsRead = true
			changed = true
		}
		break
	}
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

// insertLocked places msg at its sorted position. Returns false when the id
// is already present.
func (e *Engine) insertLocked(msg Message) bool {
	if _, ok := e.ids[msg.ID]; ok {
		return false
	}
	i := sort.Search(len(e.messages), func(i int) bool {
		return !messageLess(e.messages[i], msg)
	})
	e.messages = append(e.messages, Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = msg
	e.ids[msg.ID] = struct{}{}
	return true
}

// messageLess is the total order: ascending created_at, ties broken by id.
func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (e *Engine) setReadLocked(ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range e.messages {
		if _, ok := want[e.messages[i].ID]; ok {
			e.messages[i].IsRead = true
		}
	}
}

func (e *Engine) teardownLocked() {
	if e.sub != nil {
		e.sub.Unsubscribe()
		e.sub = nil
	}
	e.gen++
	e.state = StateIdle
	e.chatID = ""
	e.viewerID = ""
	e.messages = nil
	e.ids = make(map[string]struct{})
}

// resetIfCurrent rolls a failed Initialize back to Idle unless a newer
// selection already took over.
func (e *Engine) resetIfCurrent(gen uint64) {
	e.mu.Lock()
	if e.gen == gen {
		e.teardownLocked()
	}
	e.mu.Unlock()
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}
