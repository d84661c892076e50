package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/internal/retry"
	"github.com/haasonsaas/roomchat/pkg/models"
)

type manualTask struct {
	sched   *manualScheduler
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &manualTask{sched: s, delay: d, fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

// fireNext runs the oldest pending task and reports whether one existed.
func (s *manualScheduler) fireNext() bool {
	s.mu.Lock()
	var next *manualTask
	for _, task := range s.tasks {
		if !task.stopped && !task.fired {
			next = task
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()
	if next == nil {
		return false
	}
	next.fn()
	return true
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		if !task.stopped && !task.fired {
			n++
		}
	}
	return n
}

type sent struct {
	destination string
	body        string
}

type fakeConn struct {
	mu       sync.Mutex
	inbound  chan Inbound
	done     chan struct{}
	closed   bool
	subs     map[string]string
	sent     []sent
	sendErr  error
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan Inbound, 16),
		done:    make(chan struct{}),
		subs:    make(map[string]string),
	}
}

func (c *fakeConn) Subscribe(destination, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = destination
	return nil
}

func (c *fakeConn) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
	return nil
}

func (c *fakeConn) Send(destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sent{destination: destination, body: string(body)})
	return nil
}

func (c *fakeConn) Receive() (Inbound, error) {
	select {
	case in := <-c.inbound:
		return in, nil
	case <-c.done:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = errors.New("connection closed")
		}
		return Inbound{}, err
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) topics() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool)
	for _, dest := range c.subs {
		out[dest] = true
	}
	return out
}

func (c *fakeConn) sentTo(destination string) []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sent
	for _, s := range c.sent {
		if s.destination == destination {
			out = append(out, s)
		}
	}
	return out
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

func (d *fakeDialer) Dial(ctx context.Context, cred models.Credential) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, apperrors.Transport("no route", nil)
	}
	res := d.results[0]
	d.results = d.results[1:]
	if res.err != nil {
		return nil, res.err
	}
	return res.conn, nil
}

func (d *fakeDialer) push(results ...dialResult) {
	d.mu.Lock()
	d.results = append(d.results, results...)
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *stateLog) record(change StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, change)
	l.mu.Unlock()
}

func (l *stateLog) states() []models.ChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ChannelState, len(l.changes))
	for i, c := range l.changes {
		out[i] = c.To
	}
	return out
}

func testCredential() *models.Credential {
	return &models.Credential{Identity: "alice", Token: "tok"}
}

func newTestChannel(t *testing.T, dialer Dialer, opts ...func(*Options)) (*Channel, *manualScheduler, *stateLog) {
	t.Helper()
	sched := &manualScheduler{}
	o := Options{
		Dialer:    dialer,
		Policy:    retry.Linear(5, 5*time.Second),
		Scheduler: sched,
		Location:  time.UTC,
	}
	for _, opt := range opts {
		opt(&o)
	}
	ch := New(o)
	log := &stateLog{}
	ch.OnStateChange(log.record)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, sched, log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestConnectSubscribesDefaultsAndAnnouncesJoin(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(dialResult{conn: conn})
	ch, _, log := newTestChannel(t, dialer)

	if err := ch.Connect(context.Background(), testCredential()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := ch.State(); got != models.ChannelConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	topics := conn.topics()
	if !topics["/topic/public"] || !topics["/user/queue/messages"] {
		t.Fatalf("default topics not subscribed: %v", topics)
	}
	joins := conn.sentTo("/app/chat.addUser")
	if len(joins) != 1 || joins[0].body != `{"type":"JOIN","sender":"alice"}` {
		t.Fatalf("join announcement = %+v", joins)
	}
	want := []models.ChannelState{models.ChannelConnecting, models.ChannelConnected}
	if got := log.states(); !equalStates(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}

	// A second connect is a no-op.
	if err := ch.Connect(context.Background(), testCredential()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dial count = %d, want 1", dialer.dialCount())
	}
}

func TestConnectWithoutCredential(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _, log := newTestChannel(t, dialer)

	for _, cred := range []*models.Credential{nil, {Identity: "alice"}} {
		err := ch.Connect(context.Background(), cred)
		if !apperrors.Is(err, apperrors.CodeAuthChannel) {
			t.Fatalf("Connect(%v) error = %v, want auth channel error", cred, err)
		}
	}
	if ch.State() != models.ChannelDisconnected {
		t.Fatalf("state = %s", ch.State())
	}
	if len(log.states()) != 0 {
		t.Fatalf("unexpected transitions: %v", log.states())
	}
	if dialer.dialCount() != 0 {
		t.Fatal("dialer should not be called")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	dialer := &fakeDialer{}
	for i := 0; i < 6; i++ {
		dialer.push(dialResult{err: apperrors.Transport("refused", nil)})
	}
	ch, sched, _ := newTestChannel(t, dialer)

	err := ch.Connect(context.Background(), testCredential())
	if !apperrors.Is(err, apperrors.CodeTransport) {
		t.Fatalf("Connect error = %v, want transport", err)
	}
	if ch.State() != models.ChannelReconnecting {
		t.Fatalf("state after first failure = %s", ch.State())
	}

	retries := 0
	for sched.fireNext() {
		retries++
		if retries > 10 {
			t.Fatal("retries never stopped")
		}
	}
	if retries != 5 {
		t.Fatalf("retries = %d, want 5", retries)
	}
	if dialer.dialCount() != 6 {
		t.Fatalf("dial count = %d, want 6", dialer.dialCount())
	}
	status := ch.Status()
	if status.State != models.ChannelFailed {
		t.Fatalf("state = %s, want failed", status.State)
	}
	if !apperrors.Is(status.LastErr, apperrors.CodeChannelFailed) {
		t.Fatalf("last error = %v", status.LastErr)
	}
	if sched.pending() != 0 {
		t.Fatal("no retry may be scheduled after failure")
	}

	for _, task := range sched.tasks {
		if task.delay != 5*time.Second {
			t.Fatalf("retry delay = %s, want 5s", task.delay)
		}
	}
}

func TestRecoveryResetsAttempts(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(
		dialResult{conn: first},
		dialResult{err: apperrors.Transport("refused", nil)},
		dialResult{conn: second},
	)
	ch, sched, _ := newTestChannel(t, dialer)
	if err := ch.Connect(context.Background(), testCredential()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	room, err := ch.Subscribe("/topic/room.7", func(Delivery) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	first.drop(errors.New("eof"))
	waitFor(t, func() bool { return ch.State() == models.ChannelReconnecting })

	sched.fireNext() // refused
	if got := ch.Status().Attempts; got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	sched.fireNext() // succeeds
	status := ch.Status()
	if status.State != models.ChannelConnected || status.Attempts != 0 {
		t.Fatalf("status = %+v, want connected with zero attempts", status)
	}
	if !second.topics()[room.Topic()] {
		t.Fatal("room subscription not restored after reconnect")
	}
}

func TestAuthRejectionFailsImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.push(dialResult{err: retry.Permanent(apperrors.AuthChannel("rejected", nil))})
	ch, sched, log := newTestChannel(t, dialer)

	err := ch.Connect(context.Background(), testCredential())
	if !apperrors.Is(err, apperrors.CodeAuthChannel) {
		t.Fatalf("error = %v, want auth channel", err)
	}
	if ch.State() != models.ChannelFailed {
		t.Fatalf("state = %s, want failed", ch.State())
	}
	if sched.pending() != 0 {
		t.Fatal("auth rejection must not schedule a retry")
	}
	states := log.states()
	if states[len(states)-1] != models.ChannelFailed {
		t.Fatalf("transitions = %v", states)
	}

	// Failed is terminal until Reset.
	if err := ch.Connect(context.Background(), testCredential()); !apperrors.Is(err, apperrors.CodeChannelFailed) {
		t.Fatalf("connect from failed = %v", err)
	}
	ch.Reset()
	if ch.State() != models.ChannelDisconnected {
		t.Fatalf("state after reset = %s", ch.State())
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	ch, _, _ := newTestChannel(t, &fakeDialer{})
	err := ch.Publish("/app/chat.room.1", ChatEnvelope(models.Message{Content: "hi"}))
	if !apperrors.Is(err, apperrors.CodeNotConnected) {
		t.Fatalf("error = %v, want not connected", err)
	}
}

func TestPublishFailureClosesConnection(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(dialResult{conn: conn})
	ch, _, _ := newTestChannel(t, dialer)
	if err := ch.Connect(context.Background(), testCredential()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.mu.Lock()
	conn.sendErr = errors.New("broken pipe")
	conn.mu.Unlock()

	err := ch.Publish("/app/chat.room.1", ChatEnvelope(models.Message{Content: "hi"}))
	if !apperrors.Is(err, apperrors.CodeTransport) {
		t.Fatalf("error = %v, want transport", err)
	}
	waitFor(t, func() bool { return ch.State() == models.ChannelReconnecting })
}

func TestResetCancelsPendingRetry(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.push(dialResult{err: apperrors.Transport("refused", nil)})
	ch, sched, _ := newTestChannel(t, dialer)

	_ = ch.Connect(context.Background(), testCredential())
	if sched.pending() != 1 {
		t.Fatalf("pending = %d, want 1", sched.pending())
	}
	ch.Reset()
	if sched.pending() != 0 {
		t.Fatal("reset must cancel the pending retry")
	}
	if ch.State() != models.ChannelDisconnected {
		t.Fatalf("state = %s", ch.State())
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dial count = %d", dialer.dialCount())
	}
}

func TestStaleRetryIgnoredAfterReset(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.push(dialResult{err: apperrors.Transport("refused", nil)})
	ch, sched, _ := newTestChannel(t, dialer)
	_ = ch.Connect(context.Background(), testCredential())

	// Capture the task before reset and run it anyway, as a timer that
	// already fired would.
	task := sched.tasks[0]
	ch.Reset()
	task.fn()

	if dialer.dialCount() != 1 {
		t.Fatalf("stale retry dialed: count = %d", dialer.dialCount())
	}
	if ch.State() != models.ChannelDisconnected {
		t.Fatalf("state = %s", ch.State())
	}
}

func TestDeliveryOrderAndUnsubscribe(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(dialResult{conn: conn})
	ch, _, _ := newTestChannel(t, dialer)
	if err := ch.Connect(context.Background(), testCredential()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var mu sync.Mutex
	var first, second []string
	subA, _ := ch.Subscribe("/topic/room.1", func(d Delivery) {
		mu.Lock()
		first = append(first, d.Message.Content)
		mu.Unlock()
	})
	_, _ = ch.Subscribe("/topic/room.1", func(d Delivery) {
		mu.Lock()
		second = append(second, d.Message.Content)
		mu.Unlock()
	})

	for _, body := range []string{
		`{"type":"CHAT","content":"one","sender":"bob","chatRoomId":1}`,
		`{"type":"CHAT","content":"two","sender":"bob","chatRoomId":1}`,
	} {
		conn.inbound <- Inbound{Destination: "/topic/room.1", Body: []byte(body)}
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2 && len(second) == 2
	})
	mu.Lock()
	if first[0] != "one" || first[1] != "two" {
		t.Fatalf("order = %v", first)
	}
	mu.Unlock()

	subA.Unsubscribe()
	conn.inbound <- Inbound{Destination: "/topic/room.1", Body: []byte(`{"type":"CHAT","content":"three","sender":"bob"}`)}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if len(first) != 2 {
		t.Fatalf("unsubscribed handler received %v", first)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(dialResult{conn: conn})

	got := make(chan Delivery, 4)
	ch, _, _ := newTestChannel(t, dialer, func(o *Options) {
		o.DefaultHandler = func(d Delivery) { got <- d }
	})
	if err := ch.Connect(context.Background(), testCredential()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.inbound <- Inbound{Destination: "/topic/public", Body: []byte(`not json`)}
	conn.inbound <- Inbound{Destination: "/topic/public", Body: []byte(`{"type":"CHAT","sender":"bob"}`)}
	conn.inbound <- Inbound{Destination: "/topic/public", Body: []byte(`{"type":"JOIN","sender":"bob"}`)}

	select {
	case d := <-got:
		if d.Message.Type != models.MessageTypeJoin || d.Topic != "/topic/public" {
			t.Fatalf("delivery = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid payload not delivered")
	}
	if ch.State() != models.ChannelConnected {
		t.Fatal("malformed payloads must not affect the connection")
	}
}

func equalStates(a, b []models.ChannelState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
