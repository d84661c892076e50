package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/internal/observability"
	"github.com/haasonsaas/roomchat/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *observability.Metrics) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client := New(Options{
		BaseURL:  server.URL + "/api/",
		Token:    func() string { return "tok-123" },
		Location: time.UTC,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics,
	})
	return client, metrics
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSignIn(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode apperrors.ErrorCode
		wantMsg  string
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/auth/signin" || r.Method != http.MethodPost {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				var body map[string]string
				_ = json.NewDecoder(r.Body).Decode(&body)
				if body["username"] != "alice" || body["password"] != "secret1" {
					t.Errorf("unexpected body %v", body)
				}
				writeJSON(w, 200, map[string]any{
					"accessToken": "jwt", "id": 1, "username": "alice",
					"email": "a@example.com", "roles": []string{"ROLE_USER"},
				})
			},
		},
		{
			name: "rejected with message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 401, map[string]string{"message": "Bad credentials"})
			},
			wantCode: apperrors.CodeAuth,
			wantMsg:  "Bad credentials",
		},
		{
			name: "rejected with raw text",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(400)
				_, _ = io.WriteString(w, "Error: user disabled\n")
			},
			wantCode: apperrors.CodeAuth,
			wantMsg:  "Error: user disabled",
		},
		{
			name: "rejected with empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(403)
			},
			wantCode: apperrors.CodeAuth,
			wantMsg:  "Forbidden",
		},
		{
			name: "success without token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 200, map[string]any{"username": "alice"})
			},
			wantCode: apperrors.CodeAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler)
			cred, err := client.SignIn(context.Background(), "alice", "secret1")
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("SignIn() error = %v", err)
				}
				if cred.Identity != "alice" || cred.Token != "jwt" || cred.User.ID != "1" {
					t.Errorf("SignIn() = %+v", cred)
				}
				return
			}
			if !apperrors.Is(err, tt.wantCode) {
				t.Fatalf("SignIn() error = %v, want code %s", err, tt.wantCode)
			}
			var appErr *apperrors.Error
			if tt.wantMsg != "" && errors.As(err, &appErr) && appErr.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", appErr.Message, tt.wantMsg)
			}
		})
	}
}

func TestListRoomsSendsBearerAndNormalizes(t *testing.T) {
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = io.WriteString(w, `[{"id":1,"name":"general","description":"","private":false},{"id":"2","name":"vault","isPrivate":true}]`)
	})

	rooms, err := client.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("ListRooms() error = %v", err)
	}
	if len(rooms) != 2 || rooms[0].ID != "1" || rooms[0].IsPrivate || !rooms[1].IsPrivate {
		t.Errorf("ListRooms() = %+v", rooms)
	}
	if count := testutil.CollectAndCount(metrics.HTTPRequestDuration); count != 1 {
		t.Errorf("expected one observed operation, got %d", count)
	}
}

func TestListRoomsNetworkError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, map[string]string{"message": "db down"})
	})
	_, err := client.ListRooms(context.Background())
	if !apperrors.Is(err, apperrors.CodeNetwork) {
		t.Fatalf("error = %v, want NetworkError", err)
	}
	if StatusCode(err) != 500 {
		t.Errorf("StatusCode = %d, want 500", StatusCode(err))
	}
}

func TestListRoomsUnreachable(t *testing.T) {
	client := New(Options{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if _, err := client.ListRooms(context.Background()); !apperrors.Is(err, apperrors.CodeNetwork) {
		t.Fatalf("error = %v, want NetworkError", err)
	}
}

func TestJoinRoom(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode apperrors.ErrorCode
	}{
		{"granted", 200, ""},
		{"wrong password", 401, apperrors.CodeAccess},
		{"bad request", 400, apperrors.CodeAccess},
		{"server error is still denial", 500, apperrors.CodeAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/rooms/9/join" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "Invalid password for private room.")
			})
			err := client.JoinRoom(context.Background(), "9", "pw")
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("JoinRoom() error = %v", err)
				}
				return
			}
			if !apperrors.Is(err, tt.wantCode) {
				t.Fatalf("JoinRoom() error = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestCreateRoom(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var spec models.RoomSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		if !spec.IsPrivate || spec.Password != "secret1" {
			t.Errorf("spec = %+v", spec)
		}
		writeJSON(w, 200, map[string]any{"id": 5, "name": spec.Name, "private": true})
	})

	room, err := client.CreateRoom(context.Background(), models.RoomSpec{Name: "vault", IsPrivate: true, Password: "secret1"})
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if room.ID != "5" || !room.IsPrivate {
		t.Errorf("CreateRoom() = %+v", room)
	}
}

func TestCreateRoomServerValidation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_, _ = io.WriteString(w, "Private rooms require a password.")
	})
	_, err := client.CreateRoom(context.Background(), models.RoomSpec{Name: "vault"})
	if !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestSignUp(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req SignUpRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Username == "taken" {
			writeJSON(w, 400, map[string]string{"message": "Error: Username is already taken!"})
			return
		}
		writeJSON(w, 200, map[string]string{"message": "User registered successfully!"})
	})

	if err := client.SignUp(context.Background(), SignUpRequest{Username: "new", Email: "n@x", Password: "secret1"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	err := client.SignUp(context.Background(), SignUpRequest{Username: "taken"})
	if !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("SignUp() error = %v, want ValidationError", err)
	}
}

func TestHistoryNormalizesAndSkipsMalformed(t *testing.T) {
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages/room/3" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `[
			{"id":1,"content":"first","sender":{"username":"bob"},"sentAt":"2024-01-02T10:00:00"},
			{"id":2,"content":"broken"},
			{"id":3,"content":"second","sender":"alice","chatRoom":{"id":3},"sentAt":"2024-01-02T10:05:00Z"}
		]`)
	})

	msgs, err := client.History(context.Background(), "3")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != "bob" || msgs[0].RoomID != "3" {
		t.Errorf("first = %+v", msgs[0])
	}
	want := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if !msgs[0].SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want %v", msgs[0].SentAt, want)
	}
	if got := testutil.ToFloat64(metrics.MalformedPayloads); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
}
