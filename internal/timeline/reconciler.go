// Package timeline merges optimistic local sends with server-confirmed
// messages for the current room and segments the result by calendar day.
package timeline

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/internal/observability"
	"github.com/haasonsaas/roomchat/pkg/models"
)

// DefaultTolerance is the window within which an echo matches a pending send.
const DefaultTolerance = 5 * time.Second

// Status is the confirmation state of an entry.
type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message slot in the timeline.
type Entry struct {
	Message models.Message
	Status  Status
}

// Item is a rendered row: either a day separator or an entry.
type Item struct {
	Separator bool
	Day       time.Time
	Entry     Entry
}

// AccessChecker decides whether the session may post to a room.
type AccessChecker interface {
	CheckAccess(room models.Room) error
}

// Options configures a Reconciler.
type Options struct {
	// Tolerance bounds the sentAt distance for heuristic echo matching.
	Tolerance time.Duration
	// Location determines calendar days. Nil means time.Local.
	Location *time.Location
	Access   AccessChecker
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
	NewID    func() string
}

// Reconciler holds the timeline of the current room.
type Reconciler struct {
	tolerance time.Duration
	location  *time.Location
	access    AccessChecker
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string

	mu      sync.RWMutex
	room    *models.Room
	entries []Entry
	// awaitingEcho holds local ids of sends confirmed by a history fetch
	// whose realtime echo has not arrived yet.
	awaitingEcho map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []func()
}

// New creates an empty Reconciler with no current room.
func New(opts Options) *Reconciler {
	tolerance := opts.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Reconciler{
		tolerance: tolerance,
		location:  loc,
		access:    opts.Access,
		logger:    logger.With("component", "timeline"),
		metrics:   opts.Metrics,
		now:       now,
		newID:     newID,

		awaitingEcho: make(map[string]struct{}),
	}
}

// OnChange registers fn to run after every timeline mutation.
func (r *Reconciler) OnChange(fn func()) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

func (r *Reconciler) notify() {
	r.listenersMu.RLock()
	listeners := append([]func(){}, r.listeners...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Room returns the current room.
func (r *Reconciler) Room() (models.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.room == nil {
		return models.Room{}, false
	}
	return *r.room, true
}

// SwitchRoom discards the timeline and makes room current. Nil clears it.
func (r *Reconciler) SwitchRoom(room *models.Room) {
	r.mu.Lock()
	if room == nil {
		r.room = nil
	} else {
		copied := *room
		r.room = &copied
	}
	r.entries = nil
	r.awaitingEcho = make(map[string]struct{})
	r.mu.Unlock()
	r.notify()
}

// LoadHistory replaces the confirmed entries with msgs, in sentAt order.
// A pending send the history already contains takes over that record;
// other unconfirmed entries are kept after the history. A fetch for a room
// that is no longer current is ignored and reported as false.
func (r *Reconciler) LoadHistory(roomID models.ID, msgs []models.Message) bool {
	r.mu.Lock()
	if r.room == nil || r.room.ID != roomID {
		r.mu.Unlock()
		r.logger.Debug("ignoring history for non-current room", "room_id", roomID)
		return false
	}

	history := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Type != "" && msg.Type != models.MessageTypeChat {
			continue
		}
		if msg.RoomID.IsZero() {
			msg.RoomID = roomID
		}
		if msg.RoomID != roomID {
			continue
		}
		history = append(history, Entry{Message: msg, Status: StatusConfirmed})
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Message.SentAt.Before(history[j].Message.SentAt)
	})
	claimed := make([]bool, len(history))
	var unconfirmed []Entry
	for _, e := range r.entries {
		if e.Status == StatusConfirmed {
			// Keep the local id on a reload while the echo is outstanding.
			if _, ok := r.awaitingEcho[e.Message.LocalID]; ok && e.Message.LocalID != "" {
				if j := r.historyMatch(history, claimed, e.Message); j >= 0 {
					claimed[j] = true
					history[j].Message.LocalID = e.Message.LocalID
				}
			}
			continue
		}
		if e.Status == StatusPending {
			if j := r.historyMatch(history, claimed, e.Message); j >= 0 {
				claimed[j] = true
				history[j].Message.LocalID = e.Message.LocalID
				r.awaitingEcho[e.Message.LocalID] = struct{}{}
				r.metrics.Reconciled("history")
				continue
			}
		}
		unconfirmed = append(unconfirmed, e)
	}
	r.entries = append(history, unconfirmed...)
	r.mu.Unlock()
	r.notify()
	return true
}

// historyMatch finds the first unclaimed history record that is the server
// copy of the pending message pending.
func (r *Reconciler) historyMatch(history []Entry, claimed []bool, pending models.Message) int {
	for j, h := range history {
		if claimed[j] {
			continue
		}
		if pending.LocalID != "" && h.Message.LocalID == pending.LocalID {
			return j
		}
		if sameMessage(h.Message, pending, r.tolerance) {
			return j
		}
	}
	return -1
}

func sameMessage(a, b models.Message, tolerance time.Duration) bool {
	return a.Sender == b.Sender &&
		a.Content == b.Content &&
		a.RoomID == b.RoomID &&
		within(a.SentAt, b.SentAt, tolerance)
}

// AppendOptimistic inserts a pending message from sender into the current
// room and returns it. The caller publishes it afterwards.
func (r *Reconciler) AppendOptimistic(sender, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, apperrors.Validation("message content is required")
	}
	r.mu.Lock()
	if r.room == nil {
		r.mu.Unlock()
		return models.Message{}, apperrors.Validation("no room selected")
	}
	room := *r.room
	if r.access != nil {
		if err := r.access.CheckAccess(room); err != nil {
			r.mu.Unlock()
			return models.Message{}, err
		}
	}
	msg := models.Message{
		LocalID: r.newID(),
		Type:    models.MessageTypeChat,
		RoomID:  room.ID,
		Sender:  sender,
		Content: content,
		SentAt:  r.now(),
	}
	r.entries = append(r.entries, Entry{Message: msg, Status: StatusPending})
	r.mu.Unlock()

	r.metrics.Reconciled("optimistic")
	r.notify()
	return msg, nil
}

// MarkFailed flags a pending entry whose publish failed. The entry stays in
// place so the user can see it was not sent.
func (r *Reconciler) MarkFailed(localID string) bool {
	r.mu.Lock()
	changed := false
	for i := range r.entries {
		if r.entries[i].Message.LocalID == localID && r.entries[i].Status == StatusPending {
			r.entries[i].Status = StatusFailed
			changed = true
			break
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return changed
}

// ReceiveInbound merges a server message. Messages for other rooms and
// non-chat envelopes are dropped. An echo of a pending send replaces it in
// place: by clientId when the echo carries one, otherwise by room, sender,
// content and sentAt within the tolerance. It reports whether the timeline
// changed.
func (r *Reconciler) ReceiveInbound(msg models.Message) bool {
	if msg.Type != "" && msg.Type != models.MessageTypeChat {
		return false
	}
	r.mu.Lock()
	if r.room == nil || msg.RoomID != r.room.ID {
		r.mu.Unlock()
		r.metrics.Reconciled("dropped")
		return false
	}

	outcome := "appended"
	if i, kind := r.matchLocked(msg); i >= 0 {
		outcome = kind
		if kind == "duplicate" {
			r.mu.Unlock()
			r.metrics.Reconciled(outcome)
			return false
		}
		confirmed := msg
		confirmed.LocalID = r.entries[i].Message.LocalID
		r.entries[i] = Entry{Message: confirmed, Status: StatusConfirmed}
	} else {
		r.entries = append(r.entries, Entry{Message: msg, Status: StatusConfirmed})
	}
	r.mu.Unlock()

	r.metrics.Reconciled(outcome)
	r.notify()
	return true
}

// matchLocked finds the slot msg belongs in and how it matched.
func (r *Reconciler) matchLocked(msg models.Message) (int, string) {
	if !msg.ID.IsZero() {
		for i, e := range r.entries {
			if e.Message.ID == msg.ID {
				delete(r.awaitingEcho, e.Message.LocalID)
				return i, "duplicate"
			}
		}
	}
	if msg.LocalID != "" {
		for i, e := range r.entries {
			if e.Message.LocalID != msg.LocalID {
				continue
			}
			if e.Status == StatusConfirmed {
				delete(r.awaitingEcho, msg.LocalID)
				return i, "duplicate"
			}
			return i, "exact"
		}
	}
	for i, e := range r.entries {
		if e.Status == StatusPending && sameMessage(e.Message, msg, r.tolerance) {
			return i, "heuristic"
		}
	}
	// The echo of a send that history already confirmed.
	for i, e := range r.entries {
		if _, ok := r.awaitingEcho[e.Message.LocalID]; !ok || e.Message.LocalID == "" {
			continue
		}
		if sameMessage(e.Message, msg, r.tolerance) {
			delete(r.awaitingEcho, e.Message.LocalID)
			return i, "duplicate"
		}
	}
	return -1, ""
}

func within(a, b time.Time, tolerance time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// Entries returns a copy of the message slots in render order.
func (r *Reconciler) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

// Items returns the entries with a separator before the first message and
// before every message whose calendar day differs from the previous one.
func (r *Reconciler) Items() []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Item, 0, len(r.entries)+4)
	var lastDay time.Time
	for i, e := range r.entries {
		day := r.dayOf(e.Message.SentAt)
		if i == 0 || !day.Equal(lastDay) {
			items = append(items, Item{Separator: true, Day: day})
			lastDay = day
		}
		items = append(items, Item{Entry: e})
	}
	return items
}

func (r *Reconciler) dayOf(t time.Time) time.Time {
	local := t.In(r.location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.location)
}
