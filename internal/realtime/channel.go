// Package realtime maintains the persistent publish/subscribe session with
// the chat server and recovers from transport loss with a bounded,
// fixed-delay retry budget.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/internal/observability"
	"github.com/haasonsaas/roomchat/internal/retry"
	"github.com/haasonsaas/roomchat/pkg/models"
)

// Delivery is a normalized inbound message and the topic it arrived on.
type Delivery struct {
	Topic   string
	Message models.Message
}

// Handler consumes deliveries. Handlers for one topic run in arrival order.
type Handler func(Delivery)

// StateChange describes one lifecycle transition.
type StateChange struct {
	From    models.ChannelState
	To      models.ChannelState
	Attempt int
	Err     error
}

// Status is a snapshot of the channel.
type Status struct {
	State    models.ChannelState
	Attempts int
	LastErr  error
}

// Options configures a Channel.
type Options struct {
	Dialer         Dialer
	Policy         retry.Config
	Topics         Topics
	Scheduler      Scheduler
	ConnectTimeout time.Duration
	// Location interprets zone-less inbound timestamps.
	Location *time.Location
	// DefaultHandler receives broadcast and private-queue deliveries.
	DefaultHandler Handler

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// Subscription is a registered topic handler. It survives reconnects until
// Unsubscribe is called or the channel is reset.
type Subscription struct {
	channel *Channel
	id      string
	topic   string
	handler Handler
	active  bool
}

// Topic returns the subscribed destination.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe stops delivery to this handler.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.channel == nil {
		return
	}
	s.channel.unsubscribe(s)
}

// Channel is the realtime session state machine.
type Channel struct {
	dialer         Dialer
	policy         retry.Config
	topics         Topics
	scheduler      Scheduler
	connectTimeout time.Duration
	location       *time.Location
	defaultHandler Handler
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	now            func() time.Time

	mu         sync.Mutex
	state      models.ChannelState
	attempts   int
	lastErr    error
	cred       *models.Credential
	conn       Conn
	generation uint64
	connecting bool
	pending    Task
	closed     bool
	nextSubID  int
	subs       map[string]*Subscription
	defaults   []*Subscription

	listenersMu sync.RWMutex
	listeners   []func(StateChange)
}

// New creates a disconnected Channel.
func New(opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 && policy.InitialDelay == 0 {
		policy = retry.DefaultConfig()
	}
	topics := opts.Topics
	if topics == (Topics{}) {
		topics = DefaultTopics()
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = ClockScheduler{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Channel{
		dialer:         opts.Dialer,
		policy:         policy,
		topics:         topics,
		scheduler:      scheduler,
		connectTimeout: opts.ConnectTimeout,
		location:       loc,
		defaultHandler: opts.DefaultHandler,
		logger:         logger.With("component", "realtime"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		now:            now,
		subs:           make(map[string]*Subscription),
	}
}

// Topics returns the destinations this channel uses.
func (c *Channel) Topics() Topics { return c.topics }

// State returns the current lifecycle state.
func (c *Channel) State() models.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current state, retry count and last error.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Attempts: c.attempts, LastErr: c.lastErr}
}

// OnStateChange registers fn for every lifecycle transition.
func (c *Channel) OnStateChange(fn func(StateChange)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// Connect opens the session for cred. It is a no-op when already connected
// or connecting. A missing credential fails without a state change.
func (c *Channel) Connect(ctx context.Context, cred *models.Credential) error {
	if !cred.Valid() {
		return apperrors.AuthChannel("a signed-in credential is required", nil)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NotConnected("channel is closed")
	}
	switch {
	case c.state == models.ChannelConnected, c.connecting:
		c.mu.Unlock()
		return nil
	case c.state == models.ChannelFailed:
		c.mu.Unlock()
		return apperrors.New(apperrors.CodeChannelFailed, "channel failed; reset required", c.lastErr)
	}
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	copied := *cred
	c.cred = &copied
	changes := c.beginAttemptLocked()
	gen := c.generation
	c.mu.Unlock()
	c.emit(changes...)

	return c.attempt(ctx, gen)
}

// beginAttemptLocked moves to Connecting and bumps the generation so
// callbacks from older connections are ignored.
func (c *Channel) beginAttemptLocked() []StateChange {
	c.connecting = true
	c.generation++
	return []StateChange{c.transitionLocked(models.ChannelConnecting, nil)}
}

func (c *Channel) attempt(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.cred == nil || gen != c.generation {
		c.mu.Unlock()
		return apperrors.NotConnected("connect superseded")
	}
	cred := *c.cred
	attemptNo := c.attempts
	c.mu.Unlock()

	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "realtime.connect",
		observability.SpanAttr("realtime.retry", attemptNo),
		observability.SpanAttr("user", cred.Identity),
	)
	defer span.End()

	if c.dialer == nil {
		err := retry.Permanent(apperrors.Transport("no dialer configured", nil))
		c.fail(gen, err)
		return unwrapPermanent(err)
	}
	conn, err := c.dialer.Dial(ctx, cred)
	if err != nil {
		c.tracer.RecordError(span, err)
		c.fail(gen, err)
		return unwrapPermanent(err)
	}

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		_ = conn.Close()
		return apperrors.NotConnected("connect superseded")
	}
	c.conn = conn
	c.connecting = false
	c.attempts = 0
	c.lastErr = nil
	c.ensureDefaultsLocked()
	subs := c.activeSubsLocked()
	change := c.transitionLocked(models.ChannelConnected, nil)
	c.mu.Unlock()

	for _, sub := range subs {
		if err := conn.Subscribe(sub.topic, sub.id); err != nil {
			c.logger.Warn("subscribe failed", "topic", sub.topic, "error", err)
		}
	}
	c.logger.Info("realtime connected", "user", cred.Identity)
	c.emit(change)

	if err := c.publishOn(conn, c.topics.Join, JoinEnvelope(cred.Identity)); err != nil {
		c.logger.Warn("join announcement failed", "error", err)
	}

	go c.readLoop(conn, gen)
	return nil
}

// fail records a failed connect attempt.
func (c *Channel) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.connecting = false
	changes := c.handleErrorLocked(err)
	c.mu.Unlock()
	c.emit(changes...)
}

// onTransportError handles a connection lost after it was established.
func (c *Channel) onTransportError(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.generation || c.state != models.ChannelConnected {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	changes := c.handleErrorLocked(apperrors.Transport("connection lost", err))
	c.mu.Unlock()
	c.emit(changes...)
}

// handleErrorLocked applies the retry policy to err. Credential rejections
// fail immediately; other errors are retried while the budget allows.
func (c *Channel) handleErrorLocked(err error) []StateChange {
	if retry.IsPermanent(err) {
		err = unwrapPermanent(err)
		c.lastErr = err
		c.logger.Error("realtime connect rejected", "error", err)
		return []StateChange{c.transitionLocked(models.ChannelFailed, err)}
	}

	c.lastErr = err
	c.attempts++
	changes := []StateChange{c.transitionLocked(models.ChannelReconnecting, err)}
	if !c.policy.Allows(c.attempts) {
		failed := apperrors.New(apperrors.CodeChannelFailed,
			fmt.Sprintf("gave up after %d retries", c.policy.MaxAttempts), err)
		c.lastErr = failed
		c.logger.Error("realtime retry budget exhausted", "retries", c.policy.MaxAttempts, "error", err)
		return append(changes, c.transitionLocked(models.ChannelFailed, failed))
	}

	delay := c.policy.Delay(c.attempts)
	gen := c.generation
	c.metrics.ReconnectScheduled()
	c.logger.Warn("realtime disconnected; retry scheduled",
		"retry", c.attempts, "of", c.policy.MaxAttempts, "delay", delay, "error", err)
	c.pending = c.scheduler.AfterFunc(delay, func() { c.retry(gen) })
	return changes
}

// retry runs a scheduled reconnect unless it was cancelled or superseded.
func (c *Channel) retry(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.generation || c.state != models.ChannelReconnecting || c.connecting || c.cred == nil {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	changes := c.beginAttemptLocked()
	next := c.generation
	c.mu.Unlock()
	c.emit(changes...)

	if err := c.attempt(context.Background(), next); err != nil {
		c.logger.Debug("retry failed", "error", err)
	}
}

func (c *Channel) transitionLocked(to models.ChannelState, err error) StateChange {
	change := StateChange{From: c.state, To: to, Attempt: c.attempts, Err: err}
	c.state = to
	c.metrics.SetChannelState(to)
	return change
}

func (c *Channel) emit(changes ...StateChange) {
	if len(changes) == 0 {
		return
	}
	c.listenersMu.RLock()
	listeners := append([]func(StateChange){}, c.listeners...)
	c.listenersMu.RUnlock()
	for _, change := range changes {
		for _, fn := range listeners {
			fn(change)
		}
	}
}

// Subscribe registers handler for topic. Several handlers may share a topic.
// When not connected the subscription is sent on the next connect.
func (c *Channel) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, apperrors.Validation("topic is required")
	}
	if handler == nil {
		return nil, apperrors.Validation("handler is required")
	}
	c.mu.Lock()
	sub := c.newSubLocked(topic, handler)
	conn := c.conn
	connected := c.state == models.ChannelConnected
	c.mu.Unlock()

	if connected && conn != nil {
		if err := conn.Subscribe(topic, sub.id); err != nil {
			return sub, apperrors.Transport("subscribe failed", err)
		}
	}
	return sub, nil
}

func (c *Channel) newSubLocked(topic string, handler Handler) *Subscription {
	c.nextSubID++
	sub := &Subscription{
		channel: c,
		id:      fmt.Sprintf("sub-%d", c.nextSubID),
		topic:   topic,
		handler: handler,
		active:  true,
	}
	c.subs[sub.id] = sub
	return sub
}

func (c *Channel) ensureDefaultsLocked() {
	if len(c.defaults) > 0 {
		return
	}
	handler := func(d Delivery) {
		if c.defaultHandler != nil {
			c.defaultHandler(d)
		}
	}
	for _, topic := range []string{c.topics.Broadcast, c.topics.PrivateQueue} {
		if topic == "" {
			continue
		}
		c.defaults = append(c.defaults, c.newSubLocked(topic, handler))
	}
}

func (c *Channel) activeSubsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (c *Channel) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	if !sub.active {
		c.mu.Unlock()
		return
	}
	sub.active = false
	delete(c.subs, sub.id)
	conn := c.conn
	connected := c.state == models.ChannelConnected
	c.mu.Unlock()

	if connected && conn != nil {
		if err := conn.Unsubscribe(sub.id); err != nil {
			c.logger.Debug("unsubscribe failed", "topic", sub.topic, "error", err)
		}
	}
}

// Publish sends payload as JSON to destination. It fails with NotConnected
// unless the channel is connected.
func (c *Channel) Publish(destination string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != models.ChannelConnected || conn == nil {
		return apperrors.NotConnected(fmt.Sprintf("cannot publish while %s", state))
	}
	return c.publishOn(conn, destination, payload)
}

func (c *Channel) publishOn(conn Conn, destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Validation(fmt.Sprintf("encode payload: %v", err))
	}
	if err := conn.Send(destination, body); err != nil {
		// A failed write means the socket is unusable; closing it lets the
		// read loop drive the reconnect.
		_ = conn.Close()
		return apperrors.Transport("publish failed", err)
	}
	c.metrics.Message("outbound")
	return nil
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		in, err := conn.Receive()
		if err != nil {
			c.onTransportError(gen, err)
			return
		}
		c.dispatch(gen, in)
	}
}

func (c *Channel) dispatch(gen uint64, in Inbound) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	var targets []*Subscription
	if sub, ok := c.subs[in.Subscription]; ok {
		targets = append(targets, sub)
	} else {
		for _, sub := range c.subs {
			if sub.topic == in.Destination {
				targets = append(targets, sub)
			}
		}
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	msg, err := DecodeEnvelope(in.Body, c.location, c.now())
	if err != nil {
		c.metrics.Malformed()
		c.logger.Warn("dropping malformed payload", "topic", in.Destination, "error", err)
		return
	}
	c.metrics.Message("inbound")

	topic := in.Destination
	if topic == "" {
		topic = targets[0].topic
	}
	for _, sub := range targets {
		c.mu.Lock()
		active := sub.active
		c.mu.Unlock()
		if active {
			sub.handler(Delivery{Topic: topic, Message: msg})
		}
	}
}

// Reset tears down the session: it cancels any pending retry, closes the
// connection, drops every subscription and returns to Disconnected. It is
// the only way out of Failed.
func (c *Channel) Reset() {
	c.mu.Lock()
	changes := c.teardownLocked()
	c.mu.Unlock()
	c.emit(changes...)
}

// Close resets the channel and refuses further connects.
func (c *Channel) Close() error {
	c.mu.Lock()
	changes := c.teardownLocked()
	c.closed = true
	c.mu.Unlock()
	c.emit(changes...)
	return nil
}

func (c *Channel) teardownLocked() []StateChange {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.generation++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	for _, sub := range c.subs {
		sub.active = false
	}
	c.subs = make(map[string]*Subscription)
	c.defaults = nil
	c.connecting = false
	c.attempts = 0
	c.lastErr = nil
	c.cred = nil
	if c.state == models.ChannelDisconnected {
		return nil
	}
	return []StateChange{c.transitionLocked(models.ChannelDisconnected, nil)}
}

func unwrapPermanent(err error) error {
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
