// Package access grants membership to password-gated rooms. Public rooms
// have implicit membership; private rooms need one successful password
// exchange per session.
package access

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/pkg/models"
)

// Joiner performs the password exchange with the backend.
type Joiner interface {
	JoinRoom(ctx context.Context, roomID models.ID, password string) error
}

// Options configures a Gate.
type Options struct {
	Joiner Joiner
	Logger *slog.Logger
	Now    func() time.Time
}

type grant struct {
	membership models.Membership
	digest     [sha256.Size]byte
}

// Gate tracks transient Membership for the current session.
type Gate struct {
	joiner Joiner
	logger *slog.Logger
	now    func() time.Time
	flight singleflight.Group

	mu     sync.RWMutex
	grants map[models.ID]grant
}

// New creates a Gate with no memberships.
func New(opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		joiner: opts.Joiner,
		logger: logger.With("component", "access"),
		now:    now,
		grants: make(map[models.ID]grant),
	}
}

// Join resolves membership for room. Public rooms succeed without I/O.
// For private rooms a blank password is a ValidationError; a rejected
// exchange is an AccessError and grants nothing. Repeating a successful
// join with the same password returns the held membership without a request.
func (g *Gate) Join(ctx context.Context, room models.Room, password string) (models.Membership, error) {
	if !room.IsPrivate {
		return models.Membership{RoomID: room.ID, Implicit: true, GrantedAt: g.now()}, nil
	}
	if strings.TrimSpace(password) == "" {
		return models.Membership{}, apperrors.Validation("password is required to join a private room")
	}

	digest := sha256.Sum256([]byte(password))
	g.mu.RLock()
	held, ok := g.grants[room.ID]
	g.mu.RUnlock()
	if ok && held.digest == digest {
		return held.membership, nil
	}

	// Concurrent joins for the same room and password share one exchange.
	key := room.ID.String() + "\x00" + string(digest[:])
	result, err, _ := g.flight.Do(key, func() (any, error) {
		if err := g.joiner.JoinRoom(ctx, room.ID, password); err != nil {
			return nil, err
		}
		membership := models.Membership{RoomID: room.ID, GrantedAt: g.now()}
		g.mu.Lock()
		g.grants[room.ID] = grant{membership: membership, digest: digest}
		g.mu.Unlock()
		return membership, nil
	})
	if err != nil {
		g.logger.Info("room access denied", "room_id", room.ID, "error", err)
		if apperrors.CodeOf(err) == "" {
			return models.Membership{}, apperrors.Access("could not join room", err)
		}
		return models.Membership{}, err
	}

	g.logger.Info("room access granted", "room_id", room.ID)
	return result.(models.Membership), nil
}

// HasMembership reports whether a private-room grant is held for roomID.
func (g *Gate) HasMembership(roomID models.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.grants[roomID]
	return ok
}

// CheckAccess fails with an AccessError when room is private and no
// membership is held.
func (g *Gate) CheckAccess(room models.Room) error {
	if !room.IsPrivate || g.HasMembership(room.ID) {
		return nil
	}
	return apperrors.Access("room requires a password", nil).WithContext("room_id", room.ID.String())
}

// Retain drops every membership except the one for roomID. Called when the
// room selection changes.
func (g *Gate) Retain(roomID models.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.grants {
		if id != roomID {
			delete(g.grants, id)
		}
	}
}

// Clear drops every membership. Called at sign-out.
func (g *Gate) Clear() {
	g.mu.Lock()
	g.grants = make(map[models.ID]grant)
	g.mu.Unlock()
}
