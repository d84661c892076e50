// Package rooms is the room directory: it fetches and caches the room list,
// classifies rooms as public or private, and holds the current selection.
package rooms

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/haasonsaas/roomchat/internal/storage"
	"github.com/haasonsaas/roomchat/pkg/models"
)

// Backend is the request/response half of the directory.
type Backend interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	CreateRoom(ctx context.Context, spec models.RoomSpec) (*models.Room, error)
}

// Options configures a Directory.
type Options struct {
	Backend Backend
	Slots   storage.Store
	Policy  Policy
	Logger  *slog.Logger
}

// Directory caches rooms in server order and owns the CurrentRoom pointer.
type Directory struct {
	backend Backend
	slots   storage.Store
	policy  Policy
	logger  *slog.Logger

	mu        sync.RWMutex
	rooms     []models.Room
	current   *models.Room
	listeners []func([]models.Room)
}

// New creates an empty Directory.
func New(opts Options) *Directory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		backend: opts.Backend,
		slots:   opts.Slots,
		policy:  opts.Policy,
		logger:  logger.With("component", "rooms"),
	}
}

// List fetches the room list and replaces the cache wholesale. On failure
// the error is returned unchanged and the cache is kept.
func (d *Directory) List(ctx context.Context) ([]models.Room, error) {
	rooms, err := d.backend.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.rooms = append([]models.Room(nil), rooms...)
	listeners := append([]func([]models.Room){}, d.listeners...)
	d.mu.Unlock()

	d.logger.Debug("room directory loaded", "count", len(rooms))
	for _, fn := range listeners {
		fn(append([]models.Room(nil), rooms...))
	}
	return append([]models.Room(nil), rooms...), nil
}

// Rooms returns the cached list.
func (d *Directory) Rooms() []models.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.Room(nil), d.rooms...)
}

// Public returns cached rooms with implicit membership.
func (d *Directory) Public() []models.Room {
	return d.filter(false)
}

// Private returns cached password-gated rooms.
func (d *Directory) Private() []models.Room {
	return d.filter(true)
}

func (d *Directory) filter(private bool) []models.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Room, 0, len(d.rooms))
	for _, room := range d.rooms {
		if room.IsPrivate == private {
			out = append(out, room)
		}
	}
	return out
}

// Get looks up a cached room.
func (d *Directory) Get(id models.ID) (models.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, room := range d.rooms {
		if room.ID == id {
			return room, true
		}
	}
	return models.Room{}, false
}

// CreateRoom validates spec, creates the room and adds it to the cache.
// Invalid specs fail with a ValidationError before any network call.
func (d *Directory) CreateRoom(ctx context.Context, spec models.RoomSpec) (*models.Room, error) {
	spec, err := ValidateSpec(spec, d.policy)
	if err != nil {
		return nil, err
	}
	room, err := d.backend.CreateRoom(ctx, spec)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.rooms = append(d.rooms, *room)
	d.mu.Unlock()

	d.logger.Info("room created", "room_id", room.ID, "private", room.IsPrivate)
	out := *room
	return &out, nil
}

// Select makes room the CurrentRoom and persists the snapshot. Callers must
// have resolved access for private rooms first.
func (d *Directory) Select(ctx context.Context, room models.Room) error {
	d.mu.Lock()
	selected := room
	d.current = &selected
	d.mu.Unlock()

	if err := storage.PutJSON(ctx, d.slots, storage.SlotCurrentRoom, room); err != nil {
		d.logger.Warn("current room not persisted", "error", err)
		return err
	}
	return nil
}

// Current returns the CurrentRoom, or nil.
func (d *Directory) Current() *models.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.current == nil {
		return nil
	}
	room := *d.current
	return &room
}

// ClearCurrent drops the selection and its persisted snapshot.
func (d *Directory) ClearCurrent(ctx context.Context) error {
	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
	return d.slots.Delete(ctx, storage.SlotCurrentRoom)
}

// Reset clears the cached list and the in-memory selection without touching
// durable storage.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.rooms = nil
	d.current = nil
	d.mu.Unlock()
}

// Restore reads the persisted selection. A missing or unreadable slot
// yields nil.
func (d *Directory) Restore(ctx context.Context) (*models.Room, error) {
	var room models.Room
	err := storage.GetJSON(ctx, d.slots, storage.SlotCurrentRoom, &room)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil || room.ID.IsZero() {
		d.logger.Warn("discarding unreadable current room", "error", err)
		_ = d.slots.Delete(ctx, storage.SlotCurrentRoom)
		return nil, nil
	}

	d.mu.Lock()
	d.current = &room
	d.mu.Unlock()
	out := room
	return &out, nil
}

// OnChange registers fn to run after every successful List.
func (d *Directory) OnChange(fn func([]models.Room)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}
