package testharness

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

const (
	brokerWriteWait  = 5 * time.Second
	brokerSendBuffer = 64
	privateQueue     = "/user/queue/messages"
)

// broker is a minimal STOMP message broker: one frame per websocket text
// message, auto-ack subscriptions, user destinations under /user/.
type broker struct {
	backend  *Backend
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*brokerSession]struct{}
	nextMsg  int
}

type brokerSession struct {
	broker *broker
	ws     *websocket.Conn
	user   string
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func newBroker(b *Backend) *broker {
	return &broker{
		backend:  b,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[*brokerSession]struct{}),
	}
}

func (br *broker) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	b := br.backend
	b.mu.Lock()
	b.handshakes++
	reject := b.rejectRealtime
	failing := b.failHandshakes > 0
	if failing {
		b.failHandshakes--
	}
	b.mu.Unlock()

	if failing {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearer(r)
	}
	user, ok := b.authenticate(token)
	if reject || !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := &brokerSession{
		broker: br,
		ws:     ws,
		user:   user,
		send:   make(chan []byte, brokerSendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]string),
	}
	go sess.writeLoop()
	go sess.readLoop()
}

func (br *broker) register(sess *brokerSession) {
	br.mu.Lock()
	br.sessions[sess] = struct{}{}
	br.mu.Unlock()
}

func (br *broker) unregister(sess *brokerSession) {
	br.mu.Lock()
	delete(br.sessions, sess)
	br.mu.Unlock()
}

func (br *broker) snapshot() []*brokerSession {
	br.mu.Lock()
	defer br.mu.Unlock()
	out := make([]*brokerSession, 0, len(br.sessions))
	for sess := range br.sessions {
		out = append(out, sess)
	}
	return out
}

func (br *broker) count() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.sessions)
}

func (br *broker) subscribed(destination string) bool {
	for _, sess := range br.snapshot() {
		if len(sess.subscriptionsFor(destination)) > 0 {
			return true
		}
	}
	return false
}

func (br *broker) messageID() string {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.nextMsg++
	return strconv.Itoa(br.nextMsg)
}

func (br *broker) deliver(destination string, body []byte) {
	for _, sess := range br.snapshot() {
		sess.deliver(destination, destination, body)
	}
}

func (br *broker) deliverToUser(user string, body []byte) {
	for _, sess := range br.snapshot() {
		if sess.user == user {
			sess.deliver(privateQueue, privateQueue, body)
		}
	}
}

func (br *broker) closeAll() {
	for _, sess := range br.snapshot() {
		sess.close()
	}
}

func (s *brokerSession) readLoop() {
	connected := false
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.close()
			return
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil {
			s.reject("malformed frame")
			return
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			token := strings.TrimPrefix(f.Header.Get("Authorization"), "Bearer ")
			user, ok := s.broker.backend.authenticate(token)
			if !ok || user != s.user {
				s.reject("Unauthorized")
				return
			}
			connected = true
			s.broker.register(s)
			s.enqueue(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0"))
		case frame.SUBSCRIBE:
			if !connected {
				s.reject("not connected")
				return
			}
			s.mu.Lock()
			s.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			s.mu.Unlock()
		case frame.UNSUBSCRIBE:
			s.mu.Lock()
			delete(s.subs, f.Header.Get(frame.Id))
			s.mu.Unlock()
		case frame.SEND:
			if !connected {
				s.reject("not connected")
				return
			}
			s.broker.backend.recordPublication(s.user, f.Header.Get(frame.Destination), f.Body)
		case frame.DISCONNECT:
			s.close()
			return
		}
	}
}

func (s *brokerSession) writeLoop() {
	for {
		select {
		case msg := <-s.send:
			if msg == nil {
				s.close()
				return
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(brokerWriteWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *brokerSession) subscriptionsFor(destination string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, dest := range s.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *brokerSession) deliver(subscribedAs, destination string, body []byte) {
	for _, id := range s.subscriptionsFor(subscribedAs) {
		f := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, id,
			frame.MessageId, s.broker.messageID(),
			frame.ContentType, "application/json",
			frame.ContentLength, strconv.Itoa(len(body)),
		)
		f.Body = body
		s.enqueue(f)
	}
}

func (s *brokerSession) enqueue(f *frame.Frame) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return
	}
	select {
	case s.send <- buf.Bytes():
	case <-s.done:
	default:
		// Slow consumer.
		s.close()
	}
}

// reject queues an ERROR frame and closes the session once it is written.
func (s *brokerSession) reject(message string) {
	s.enqueue(frame.New(frame.ERROR, frame.Message, message))
	select {
	case s.send <- nil:
	case <-s.done:
	}
}

func (s *brokerSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.unregister(s)
		_ = s.ws.Close()
	})
}
