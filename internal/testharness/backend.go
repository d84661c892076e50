package testharness

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/roomchat/pkg/models"
)

var signingKey = []byte("testharness-signing-key")

// Publication is one SEND frame received by the broker.
type Publication struct {
	User        string
	Destination string
	Body        map[string]any
}

type account struct {
	password string
	email    string
	id       int
}

type room struct {
	models.Room
	password string
}

type storedMessage struct {
	ID      int
	Sender  string
	Content string
	SentAt  time.Time
}

// Backend is an in-process chat server: the JSON API under /api and a STOMP
// broker over websocket at /ws.
type Backend struct {
	Server *httptest.Server

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// EchoClientID keeps clientId on room echoes. The real server drops it.
	EchoClientID bool
	// Now stamps stored messages. Defaults to time.Now.
	Now func() time.Time

	mu              sync.Mutex
	accounts        map[string]account
	revoked         map[string]bool
	rooms           []room
	history         map[models.ID][]storedMessage
	nextID          int
	rejectRealtime  bool
	failHandshakes  int
	failRoomListing bool
	publications    []Publication
	handshakes      int

	broker *broker
}

// NewBackend starts a backend and stops it when the test ends.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		TokenTTL: time.Hour,
		Now:      time.Now,
		accounts: make(map[string]account),
		revoked:  make(map[string]bool),
		history:  make(map[models.ID][]storedMessage),
	}
	b.broker = newBroker(b)
	b.Server = httptest.NewServer(b.routes())
	t.Cleanup(func() {
		b.broker.closeAll()
		b.Server.Close()
	})
	return b
}

// BaseURL is the API root.
func (b *Backend) BaseURL() string { return b.Server.URL + "/api" }

// WebSocketURL is the realtime endpoint.
func (b *Backend) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws"
}

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signin", b.handleSignIn)
		r.Post("/auth/signup", b.handleSignUp)
		r.Group(func(r chi.Router) {
			r.Use(b.requireToken)
			r.Get("/rooms", b.handleListRooms)
			r.Post("/rooms", b.handleCreateRoom)
			r.Post("/rooms/{roomID}/join", b.handleJoin)
			r.Get("/messages/room/{roomID}", b.handleHistory)
		})
	})
	r.Get("/ws", b.broker.handleUpgrade)
	return r
}

// AddUser registers an account.
func (b *Backend) AddUser(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.accounts[username] = account{password: password, email: username + "@example.com", id: b.nextID}
}

// AddRoom creates a room. A non-empty password makes it private.
func (b *Backend) AddRoom(name, description, password string) models.Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addRoomLocked(name, description, password)
}

func (b *Backend) addRoomLocked(name, description, password string) models.Room {
	b.nextID++
	r := room{
		Room: models.Room{
			ID:          models.ID(strconv.Itoa(b.nextID)),
			Name:        name,
			Description: description,
			IsPrivate:   password != "",
		},
		password: password,
	}
	b.rooms = append(b.rooms, r)
	return r.Room
}

// AddHistory stores a message as if it had been sent earlier.
func (b *Backend) AddHistory(roomID models.ID, sender, content string, sentAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.history[roomID] = append(b.history[roomID], storedMessage{
		ID: b.nextID, Sender: sender, Content: content, SentAt: sentAt,
	})
}

// Token issues a valid bearer token for username.
func (b *Backend) Token(username string) string {
	token, err := b.issueToken(username)
	if err != nil {
		panic(err)
	}
	return token
}

// Revoke makes the realtime endpoint and API reject token.
func (b *Backend) Revoke(token string) {
	b.mu.Lock()
	b.revoked[token] = true
	b.mu.Unlock()
}

// RejectRealtime makes every websocket handshake fail with 401.
func (b *Backend) RejectRealtime(reject bool) {
	b.mu.Lock()
	b.rejectRealtime = reject
	b.mu.Unlock()
}

// FailHandshakes makes the next n websocket handshakes fail with 503.
func (b *Backend) FailHandshakes(n int) {
	b.mu.Lock()
	b.failHandshakes = n
	b.mu.Unlock()
}

// FailRoomListing makes GET /rooms return 500.
func (b *Backend) FailRoomListing(fail bool) {
	b.mu.Lock()
	b.failRoomListing = fail
	b.mu.Unlock()
}

// Handshakes counts websocket upgrade attempts.
func (b *Backend) Handshakes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handshakes
}

// Publications returns every SEND frame received so far.
func (b *Backend) Publications() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.publications...)
}

// Deliver pushes payload to every session subscribed to destination.
func (b *Backend) Deliver(destination string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	b.broker.deliver(destination, body)
}

// DeliverToUser pushes payload to username's private queue.
func (b *Backend) DeliverToUser(username string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	b.broker.deliverToUser(username, body)
}

// DropConnections closes every websocket session.
func (b *Backend) DropConnections() {
	b.broker.closeAll()
}

// Sessions counts connected websocket sessions.
func (b *Backend) Sessions() int {
	return b.broker.count()
}

// WaitForSubscription blocks until some session is subscribed to
// destination or the timeout elapses.
func (b *Backend) WaitForSubscription(destination string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.broker.subscribed(destination) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (b *Backend) issueToken(username string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(b.Now()),
		ExpiresAt: jwt.NewNumericDate(b.Now().Add(b.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

// authenticate returns the username for a valid token.
func (b *Backend) authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	b.mu.Lock()
	revoked := b.revoked[token]
	b.mu.Unlock()
	if revoked {
		return "", false
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", false
	}
	return claims.Subject, true
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (b *Backend) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := b.authenticate(bearer(r)); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Error: Malformed request"})
		return
	}
	b.mu.Lock()
	acct, ok := b.accounts[req.Username]
	b.mu.Unlock()
	if !ok || acct.password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Error: Invalid username or password"})
		return
	}
	token, err := b.issueToken(req.Username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": token,
		"tokenType":   "Bearer",
		"id":          acct.id,
		"username":    req.Username,
		"email":       acct.email,
		"roles":       []string{"ROLE_USER"},
	})
}

func (b *Backend) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Error: Malformed request"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.accounts[req.Username]; exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Error: Username is already taken!"})
		return
	}
	for _, acct := range b.accounts {
		if acct.email == req.Email {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Error: Email is already in use!"})
			return
		}
	}
	b.nextID++
	b.accounts[req.Username] = account{password: req.Password, email: req.Email, id: b.nextID}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully!"})
}

// roomJSON uses the "private" spelling the real server emits for listings.
type roomJSON struct {
	ID          models.ID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Private     bool      `json:"private"`
}

func (b *Backend) handleListRooms(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fail := b.failRoomListing
	out := make([]roomJSON, 0, len(b.rooms))
	for _, rm := range b.rooms {
		out = append(out, roomJSON{ID: rm.ID, Name: rm.Name, Description: rm.Description, Private: rm.IsPrivate})
	}
	b.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		IsPrivate   bool   `json:"isPrivate"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Room name is required"})
		return
	}
	if req.IsPrivate && req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Private rooms need a password"})
		return
	}
	b.mu.Lock()
	created := b.addRoomLocked(req.Name, req.Description, req.Password)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          created.ID,
		"name":        created.Name,
		"description": created.Description,
		"isPrivate":   created.IsPrivate,
	})
}

func (b *Backend) findRoom(id models.ID) (room, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rm := range b.rooms {
		if rm.ID == id {
			return rm, true
		}
	}
	return room{}, false
}

func (b *Backend) handleJoin(w http.ResponseWriter, r *http.Request) {
	rm, ok := b.findRoom(models.ID(chi.URLParam(r, "roomID")))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Room not found"})
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if rm.IsPrivate && req.Password != rm.password {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Invalid password for private room."))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// historyJSON mirrors the persisted entity: nested sender and room, and a
// zone-less timestamp.
type historyJSON struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Sender  struct {
		Username string `json:"username"`
	} `json:"sender"`
	ChatRoom struct {
		ID models.ID `json:"id"`
	} `json:"chatRoom"`
	SentAt string `json:"sentAt"`
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	roomID := models.ID(chi.URLParam(r, "roomID"))
	if _, ok := b.findRoom(roomID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Room not found"})
		return
	}
	b.mu.Lock()
	stored := append([]storedMessage(nil), b.history[roomID]...)
	b.mu.Unlock()

	out := make([]historyJSON, 0, len(stored))
	for _, m := range stored {
		var h historyJSON
		h.ID = m.ID
		h.Content = m.Content
		h.Sender.Username = m.Sender
		h.ChatRoom.ID = roomID
		h.SentAt = m.SentAt.Format("2006-01-02T15:04:05")
		out = append(out, h)
	}
	writeJSON(w, http.StatusOK, out)
}

// recordPublication stores a SEND and applies the server side effects:
// room messages are persisted and echoed to the room topic, join
// announcements go to the broadcast topic.
func (b *Backend) recordPublication(user, destination string, body []byte) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}
	b.mu.Lock()
	b.publications = append(b.publications, Publication{User: user, Destination: destination, Body: payload})
	b.mu.Unlock()

	switch {
	case destination == "/app/chat.addUser":
		b.Deliver("/topic/public", echoOf(payload, false))
	case strings.HasPrefix(destination, "/app/chat.room."):
		roomID := models.ID(strings.TrimPrefix(destination, "/app/chat.room."))
		if _, ok := b.findRoom(roomID); !ok {
			return
		}
		content, _ := payload["content"].(string)
		sender, _ := payload["sender"].(string)
		b.AddHistory(roomID, sender, content, b.Now())
		b.Deliver("/topic/room."+roomID.String(), echoOf(payload, b.EchoClientID))
	case strings.HasPrefix(destination, "/app/chat.private."):
		b.DeliverToUser(strings.TrimPrefix(destination, "/app/chat.private."), echoOf(payload, false))
	}
}

// echoOf keeps only the fields the server's message type carries.
func echoOf(payload map[string]any, keepClientID bool) map[string]any {
	out := make(map[string]any)
	for _, key := range []string{"type", "content", "sender", "receiver", "chatRoomId"} {
		if v, ok := payload[key]; ok {
			out[key] = v
		}
	}
	if keepClientID {
		if v, ok := payload["clientId"]; ok {
			out["clientId"] = v
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
