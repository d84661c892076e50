package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/pkg/models"
)

// SignUpRequest registers a new account.
type SignUpRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signInResponse struct {
	AccessToken string    `json:"accessToken"`
	Token       string    `json:"token"`
	TokenType   string    `json:"tokenType"`
	ID          models.ID `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Roles       []string  `json:"roles"`
}

type joinRequest struct {
	Password string `json:"password"`
}

// SignIn exchanges a username and password for a credential. Any non-2xx
// response, or a success without a token, is an AuthError carrying the
// server's message.
func (c *Client) SignIn(ctx context.Context, username, password string) (*models.Credential, error) {
	var resp signInResponse
	err := c.postJSON(ctx, "signin", "/auth/signin", signInRequest{Username: username, Password: password}, &resp)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, apperrors.Auth(statusErr.Message, err)
		}
		return nil, networkError("signin", err)
	}

	token := resp.AccessToken
	if token == "" {
		token = resp.Token
	}
	if strings.TrimSpace(token) == "" {
		return nil, apperrors.Auth("sign-in response carried no access token", nil)
	}
	identity := resp.Username
	if identity == "" {
		identity = username
	}
	return &models.Credential{
		Identity: identity,
		Token:    token,
		User: models.User{
			ID:       resp.ID,
			Username: identity,
			Email:    resp.Email,
			Roles:    resp.Roles,
		},
	}, nil
}

// SignUp registers an account. It does not sign in.
func (c *Client) SignUp(ctx context.Context, req SignUpRequest) error {
	if err := c.postJSON(ctx, "signup", "/auth/signup", req, nil); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			return apperrors.New(apperrors.CodeValidation, statusErr.Message, err)
		}
		return networkError("signup", err)
	}
	return nil
}

// ListRooms fetches every room visible to the caller, public and private.
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.getJSON(ctx, "list_rooms", "/rooms", &rooms); err != nil {
		return nil, networkError("list_rooms", err)
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	return rooms, nil
}

// CreateRoom creates a room. Validation happens in the caller.
func (c *Client) CreateRoom(ctx context.Context, spec models.RoomSpec) (*models.Room, error) {
	var room models.Room
	if err := c.postJSON(ctx, "create_room", "/rooms", spec, &room); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 400 {
			return nil, apperrors.New(apperrors.CodeValidation, statusErr.Message, err)
		}
		return nil, networkError("create_room", err)
	}
	if room.ID.IsZero() {
		return nil, apperrors.Network("create room response carried no id", nil)
	}
	return &room, nil
}

// JoinRoom performs the password exchange for a room. Any non-2xx response
// is an AccessError; only transport failures are NetworkErrors.
func (c *Client) JoinRoom(ctx context.Context, roomID models.ID, password string) error {
	path := fmt.Sprintf("/rooms/%s/join", url.PathEscape(roomID.String()))
	if err := c.postJSON(ctx, "join_room", path, joinRequest{Password: password}, nil); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return apperrors.Access(statusErr.Message, err).WithContext("room_id", roomID.String())
		}
		return networkError("join_room", err)
	}
	return nil
}

// History fetches a room's stored messages in server order. Records that
// fail normalization are skipped and logged.
func (c *Client) History(ctx context.Context, roomID models.ID) ([]models.Message, error) {
	var raw []json.RawMessage
	path := "/messages/room/" + url.PathEscape(roomID.String())
	if err := c.getJSON(ctx, "history", path, &raw); err != nil {
		return nil, networkError("history", err)
	}

	now := c.now()
	messages := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var wire models.WireMessage
		if err := json.Unmarshal(item, &wire); err != nil {
			c.metrics.Malformed()
			c.logger.Warn("dropping malformed history record", "room_id", roomID, "error", err)
			continue
		}
		msg, err := wire.Normalize(c.location, now)
		if err != nil {
			c.metrics.Malformed()
			c.logger.Warn("dropping malformed history record", "room_id", roomID, "error", err)
			continue
		}
		if msg.RoomID.IsZero() {
			msg.RoomID = roomID
		}
		c.metrics.Message("history")
		messages = append(messages, msg)
	}
	return messages, nil
}
