// Package client is the session context: it owns one instance of every
// component, wires them together, and defines the sign-in to sign-out
// lifecycle. Hosts embed a Client instead of reaching for globals.
package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/roomchat/internal/access"
	"github.com/haasonsaas/roomchat/internal/api"
	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/internal/config"
	"github.com/haasonsaas/roomchat/internal/observability"
	"github.com/haasonsaas/roomchat/internal/realtime"
	"github.com/haasonsaas/roomchat/internal/retry"
	"github.com/haasonsaas/roomchat/internal/rooms"
	"github.com/haasonsaas/roomchat/internal/session"
	"github.com/haasonsaas/roomchat/internal/storage"
	"github.com/haasonsaas/roomchat/internal/timeline"
	"github.com/haasonsaas/roomchat/pkg/models"
)

const eventBuffer = 128

// Options configures a Client. Only Config is required.
type Options struct {
	Config *config.Config

	// Store holds the durable slots. Nil opens Config.Storage.
	Store storage.Store
	// HTTPClient overrides the API transport.
	HTTPClient *http.Client
	// Dialer overrides the realtime transport.
	Dialer realtime.Dialer
	// Scheduler overrides the reconnect timer.
	Scheduler realtime.Scheduler

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// Selection is the outcome of SelectRoom.
type Selection struct {
	Room models.Room
	// NeedsPassword is set for a private room without membership. Nothing
	// is subscribed or rendered until JoinRoom succeeds.
	NeedsPassword bool
}

// Client is one signed-in (or signed-out) chat session.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	store     storage.Store
	ownsStore bool
	api       *api.Client
	session   *session.Store
	rooms     *rooms.Directory
	gate      *access.Gate
	channel   *realtime.Channel
	timeline  *timeline.Reconciler
	refresher *rooms.Refresher

	// lifecycle orders sign-in and restore against the teardown that
	// follows a rejected realtime credential.
	lifecycle sync.Mutex

	mu          sync.Mutex
	roomSub     *realtime.Subscription
	pending     *models.Room
	watchCancel context.CancelFunc
	closed      bool

	events chan Event
}

// New builds a signed-out Client. Call Restore to resume a persisted
// session or SignIn to start one.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Timeline.Location()
	if err != nil {
		return nil, apperrors.Config("invalid timeline timezone", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "client"),
		events: make(chan Event, eventBuffer),
	}

	c.store = opts.Store
	if c.store == nil {
		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, apperrors.Config("open storage", err)
		}
		c.store = store
		c.ownsStore = true
	}

	c.api = api.New(api.Options{
		BaseURL:    cfg.Server.BaseURL,
		Timeout:    cfg.Server.RequestTimeout,
		Token:      func() string { return c.session.Token() },
		Location:   loc,
		HTTPClient: opts.HTTPClient,
		Logger:     logger,
		Metrics:    opts.Metrics,
		Tracer:     opts.Tracer,
	})
	c.session = session.New(session.Options{
		Slots:  c.store,
		Auth:   c.api,
		Logger: logger,
		Now:    opts.Now,
	})
	c.rooms = rooms.New(rooms.Options{
		Backend: c.api,
		Slots:   c.store,
		Policy: rooms.Policy{
			MinPasswordLength:  cfg.Rooms.MinPasswordLength,
			MinPasswordEntropy: cfg.Rooms.MinPasswordEntropy,
		},
		Logger: logger,
	})
	c.gate = access.New(access.Options{Joiner: c.api, Logger: logger, Now: opts.Now})
	c.timeline = timeline.New(timeline.Options{
		Tolerance: cfg.Timeline.MatchTolerance,
		Location:  loc,
		Access:    c.gate,
		Logger:    logger,
		Metrics:   opts.Metrics,
		Now:       opts.Now,
	})

	dialer := opts.Dialer
	if dialer == nil {
		dialer = realtime.NewWebSocketDialer(cfg.Server.WebSocketURL, logger)
	}
	c.channel = realtime.New(realtime.Options{
		Dialer:         dialer,
		Policy:         retry.Linear(cfg.Realtime.MaxReconnectAttempts, cfg.Realtime.ReconnectDelay),
		Topics:         realtime.TopicsFromConfig(cfg.Realtime.Topics),
		Scheduler:      opts.Scheduler,
		ConnectTimeout: cfg.Realtime.ConnectTimeout,
		Location:       loc,
		DefaultHandler: c.handleDefault,
		Logger:         logger,
		Metrics:        opts.Metrics,
		Tracer:         opts.Tracer,
		Now:            opts.Now,
	})

	if cfg.Rooms.RefreshSchedule != "" {
		refresher, err := rooms.NewRefresher(c.rooms, cfg.Rooms.RefreshSchedule, cfg.Server.RequestTimeout, logger)
		if err != nil {
			c.closeStore()
			return nil, apperrors.Config("invalid room refresh schedule", err)
		}
		c.refresher = refresher
	}

	c.channel.OnStateChange(c.handleStateChange)
	c.timeline.OnChange(func() { c.emit(Event{Kind: EventTimeline}) })
	c.rooms.OnChange(func(list []models.Room) { c.emit(Event{Kind: EventRooms, Rooms: list}) })
	c.session.OnChange(func(cred *models.Credential) { c.emit(Event{Kind: EventSession, Credential: cred}) })

	if cfg.Storage.Watch {
		if err := c.watchStorage(); err != nil {
			c.logger.Warn("storage watch unavailable", "error", err)
		}
	}
	return c, nil
}

// Events delivers state, timeline, directory, presence and error
// notifications. Events are dropped when the buffer is full.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event dropped", "kind", ev.Kind)
	}
}

// Restore resumes a persisted session: it reloads the credential, connects
// the channel and re-enters the persisted room. A private room is restored
// as pending until JoinRoom succeeds. It reports whether a session existed.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	cred, err := c.session.Restore(ctx)
	if err != nil {
		return false, err
	}
	if cred == nil {
		_ = c.rooms.ClearCurrent(ctx)
		return false, nil
	}
	ctx = observability.WithUser(ctx, cred.Identity)
	if err := c.connect(ctx, cred); err != nil {
		return true, err
	}

	room, err := c.rooms.Restore(ctx)
	if err != nil || room == nil {
		return true, err
	}
	if room.IsPrivate {
		c.rooms.Reset()
		c.setPending(room)
		c.logger.InfoContext(observability.WithRoom(ctx, room.ID.String()), "restored private room awaiting password")
		return true, nil
	}
	return true, c.enterRoom(ctx, *room)
}

// SignIn authenticates, replaces any previous session and connects the
// realtime channel. Retryable channel errors are absorbed; a rejected
// realtime credential is returned alongside the credential.
func (c *Client) SignIn(ctx context.Context, username, password string) (*models.Credential, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.session.Current() != nil {
		c.teardown(ctx)
	}
	cred, err := c.session.SignIn(ctx, username, password)
	if err != nil {
		return nil, err
	}
	ctx = observability.WithUser(ctx, cred.Identity)
	c.logger.InfoContext(ctx, "signed in")
	return cred, c.connect(ctx, cred)
}

// SignUp registers an account without signing in.
func (c *Client) SignUp(ctx context.Context, req api.SignUpRequest) error {
	return c.session.SignUp(ctx, req)
}

// SignOut releases the channel, cancels any pending reconnect, clears
// memberships and the room selection, and removes the credential.
func (c *Client) SignOut(ctx context.Context) error {
	c.teardown(ctx)
	if err := c.rooms.ClearCurrent(ctx); err != nil {
		c.logger.Warn("current room slot not cleared", "error", err)
	}
	return c.session.SignOut(ctx)
}

// Credential returns the active credential, or nil.
func (c *Client) Credential() *models.Credential { return c.session.Current() }

func (c *Client) connect(ctx context.Context, cred *models.Credential) error {
	c.channel.Reset()
	if c.refresher != nil {
		c.refresher.Start()
	}
	err := c.channel.Connect(ctx, cred)
	if err == nil || apperrors.IsRetryable(err) {
		if err != nil {
			c.logger.WarnContext(ctx, "realtime connect failed; retrying", "error", err)
		}
		return nil
	}
	return err
}

// teardown drops every piece of session state except durable storage.
func (c *Client) teardown(ctx context.Context) {
	c.mu.Lock()
	sub := c.roomSub
	c.roomSub = nil
	c.pending = nil
	c.mu.Unlock()

	sub.Unsubscribe()
	if c.refresher != nil {
		c.refresher.Stop()
	}
	c.channel.Reset()
	c.gate.Clear()
	c.timeline.SwitchRoom(nil)
	c.rooms.Reset()
	c.logger.Debug("session state released")
}

// Rooms reloads the directory.
func (c *Client) Rooms(ctx context.Context) ([]models.Room, error) {
	if c.session.Current() == nil {
		return nil, apperrors.Auth("not signed in", nil)
	}
	return c.rooms.List(ctx)
}

// PublicRooms returns the public rooms of the last directory load.
func (c *Client) PublicRooms() []models.Room { return c.rooms.Public() }

// PrivateRooms returns the password-protected rooms of the last directory
// load.
func (c *Client) PrivateRooms() []models.Room { return c.rooms.Private() }

// CreateRoom validates and creates a room.
func (c *Client) CreateRoom(ctx context.Context, spec models.RoomSpec) (*models.Room, error) {
	if c.session.Current() == nil {
		return nil, apperrors.Auth("not signed in", nil)
	}
	return c.rooms.CreateRoom(ctx, spec)
}

// SelectRoom makes roomID current. A private room without membership is
// held as pending and the previous room is left.
func (c *Client) SelectRoom(ctx context.Context, roomID models.ID) (Selection, error) {
	if c.session.Current() == nil {
		return Selection{}, apperrors.Auth("not signed in", nil)
	}
	room, ok := c.rooms.Get(roomID)
	if !ok {
		return Selection{}, apperrors.Validation("unknown room " + roomID.String())
	}
	c.gate.Retain(room.ID)

	if room.IsPrivate && !c.gate.HasMembership(room.ID) {
		c.leaveRoom(ctx)
		c.setPending(&room)
		return Selection{Room: room, NeedsPassword: true}, nil
	}
	return Selection{Room: room}, c.enterRoom(ctx, room)
}

// JoinRoom performs the password exchange for a private room and enters it.
func (c *Client) JoinRoom(ctx context.Context, roomID models.ID, password string) (models.Membership, error) {
	if c.session.Current() == nil {
		return models.Membership{}, apperrors.Auth("not signed in", nil)
	}
	room, ok := c.rooms.Get(roomID)
	if !ok {
		c.mu.Lock()
		if c.pending != nil && c.pending.ID == roomID {
			room, ok = *c.pending, true
		}
		c.mu.Unlock()
	}
	if !ok {
		return models.Membership{}, apperrors.Validation("unknown room " + roomID.String())
	}

	membership, err := c.gate.Join(ctx, room, password)
	if err != nil {
		return models.Membership{}, err
	}
	c.gate.Retain(room.ID)
	return membership, c.enterRoom(ctx, room)
}

// PendingRoom returns the private room awaiting a password, if any.
func (c *Client) PendingRoom() (models.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return models.Room{}, false
	}
	return *c.pending, true
}

func (c *Client) setPending(room *models.Room) {
	c.mu.Lock()
	if room == nil {
		c.pending = nil
	} else {
		r := *room
		c.pending = &r
	}
	c.mu.Unlock()
}

// leaveRoom unsubscribes from the current room and clears the timeline.
func (c *Client) leaveRoom(ctx context.Context) {
	c.mu.Lock()
	sub := c.roomSub
	c.roomSub = nil
	c.mu.Unlock()
	sub.Unsubscribe()
	c.timeline.SwitchRoom(nil)
	if err := c.rooms.ClearCurrent(ctx); err != nil {
		c.logger.Warn("current room slot not cleared", "error", err)
	}
}

// enterRoom switches the timeline to room, subscribes to its topic and
// loads its history.
func (c *Client) enterRoom(ctx context.Context, room models.Room) error {
	if err := c.gate.CheckAccess(room); err != nil {
		return err
	}
	if cred := c.session.Current(); cred != nil {
		ctx = observability.WithUser(ctx, cred.Identity)
	}
	ctx = observability.WithRoom(ctx, room.ID.String())
	if err := c.rooms.Select(ctx, room); err != nil {
		c.logger.WarnContext(ctx, "room selection not persisted", "error", err)
	}

	c.mu.Lock()
	old := c.roomSub
	c.roomSub = nil
	c.pending = nil
	c.mu.Unlock()
	old.Unsubscribe()

	c.timeline.SwitchRoom(&room)
	topic := c.channel.Topics().RoomTopic(room.ID)
	sub, err := c.channel.Subscribe(topic, func(d realtime.Delivery) {
		msg := d.Message
		if msg.RoomID.IsZero() {
			msg.RoomID = room.ID
		}
		c.timeline.ReceiveInbound(msg)
	})
	if sub != nil {
		c.mu.Lock()
		c.roomSub = sub
		c.mu.Unlock()
	}
	if err != nil {
		c.logger.WarnContext(ctx, "room subscription deferred to reconnect", "error", err)
	}

	history, err := c.api.History(ctx, room.ID)
	if err != nil {
		return err
	}
	c.timeline.LoadHistory(room.ID, history)
	c.logger.InfoContext(ctx, "entered room", "history", len(history))
	return nil
}

// CurrentRoom returns the room the timeline shows, if any.
func (c *Client) CurrentRoom() (models.Room, bool) { return c.timeline.Room() }

// Send appends content optimistically and publishes it. A failed publish
// leaves the entry in place marked as failed.
func (c *Client) Send(ctx context.Context, content string) (models.Message, error) {
	cred := c.session.Current()
	if cred == nil {
		return models.Message{}, apperrors.Auth("not signed in", nil)
	}
	if pending, ok := c.PendingRoom(); ok {
		return models.Message{}, c.gate.CheckAccess(pending)
	}
	msg, err := c.timeline.AppendOptimistic(cred.Identity, content)
	if err != nil {
		return models.Message{}, err
	}
	dest := c.channel.Topics().PublishDestination(msg.RoomID)
	if err := c.channel.Publish(dest, realtime.ChatEnvelope(msg)); err != nil {
		c.timeline.MarkFailed(msg.LocalID)
		return msg, err
	}
	return msg, nil
}

// Timeline returns the current room's entries in render order.
func (c *Client) Timeline() []timeline.Entry { return c.timeline.Entries() }

// Render writes the current timeline with day separators.
func (c *Client) Render(w io.Writer) error { return c.timeline.Render(w) }

// State returns the realtime channel status.
func (c *Client) State() realtime.Status { return c.channel.Status() }

// Close releases the channel and background work. The persisted session is
// kept so a later Restore resumes it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.watchCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.teardown(context.Background())
	err := c.channel.Close()
	return errors.Join(err, c.closeStore())
}

func (c *Client) closeStore() error {
	if c.ownsStore {
		return c.store.Close()
	}
	return nil
}

func (c *Client) handleDefault(d realtime.Delivery) {
	msg := d.Message
	switch msg.Type {
	case models.MessageTypeJoin, models.MessageTypeLeave:
		c.emit(Event{Kind: EventPresence, Message: msg})
	case models.MessageTypeChat:
		// Private deliveries for the current room join its timeline; the
		// reconciler drops everything else.
		c.timeline.ReceiveInbound(msg)
	}
}

func (c *Client) handleStateChange(change realtime.StateChange) {
	c.emit(Event{Kind: EventState, State: change.To, Attempt: change.Attempt, Err: change.Err})
	if change.To != models.ChannelFailed {
		return
	}
	c.emit(Event{Kind: EventError, Err: change.Err})
	if apperrors.Is(change.Err, apperrors.CodeAuthChannel) {
		// The credential is no longer accepted; the user must sign in again.
		go c.dropRejected(c.session.Token())
	}
}

// dropRejected ends the session whose token the realtime channel refused.
// A session started after the refusal is left alone.
func (c *Client) dropRejected(token string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if token == "" || c.session.Token() != token {
		c.logger.Debug("ignoring rejection of a replaced credential")
		return
	}
	ctx := context.Background()
	c.teardown(ctx)
	if err := c.session.Invalidate(ctx, "realtime credential rejected"); err != nil {
		c.logger.Warn("credential not cleared", "error", err)
	}
}

// watchStorage follows credential changes made by other processes sharing
// the same storage. A removed credential signs this client out.
func (c *Client) watchStorage() error {
	watcher, ok := c.store.(storage.Watcher)
	if !ok {
		return errors.New("storage backend cannot be watched")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.watchCancel = cancel
	c.mu.Unlock()

	return watcher.Watch(ctx, func(slot storage.Slot) {
		if slot != storage.SlotCredential {
			return
		}
		if c.session.Current() == nil {
			return
		}
		changed, err := c.session.Sync(ctx)
		if err != nil || !changed || c.session.Current() != nil {
			return
		}
		c.logger.Info("signed out by another process")
		c.teardown(ctx)
		if err := c.rooms.ClearCurrent(ctx); err != nil {
			c.logger.Debug("current room slot not cleared", "error", err)
		}
	})
}
