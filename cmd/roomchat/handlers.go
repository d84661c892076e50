package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/roomchat/internal/api"
	"github.com/haasonsaas/roomchat/internal/client"
	"github.com/haasonsaas/roomchat/internal/timeline"
	"github.com/haasonsaas/roomchat/pkg/models"
)

var errNotSignedIn = errors.New("not signed in; run `roomchat login` first")

// =============================================================================
// Session Handlers
// =============================================================================

func runLogin(cmd *cobra.Command, username string, passwordStdin bool) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	password, err := readSecret(cmd, bufio.NewReader(cmd.InOrStdin()), "Password: ", passwordStdin)
	if err != nil {
		return err
	}
	cred, err := h.client.SignIn(cmd.Context(), username, password)
	if cred == nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", cred.Identity)
	if err != nil {
		return fmt.Errorf("realtime connection refused: %w", err)
	}
	return nil
}

func runSignup(cmd *cobra.Command, username, email string, passwordStdin bool) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	password, err := readSecret(cmd, bufio.NewReader(cmd.InOrStdin()), "Choose a password: ", passwordStdin)
	if err != nil {
		return err
	}
	req := api.SignUpRequest{Username: username, Email: email, Password: password}
	if err := h.client.SignUp(cmd.Context(), req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s. Sign in with `roomchat login %s`.\n", username, username)
	return nil
}

func runLogout(cmd *cobra.Command) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.client.SignOut(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}

func runStatus(cmd *cobra.Command) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	out := cmd.OutOrStdout()
	ok, err := h.client.Restore(cmd.Context())
	if !ok {
		fmt.Fprintln(out, "Not signed in.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "User:\t%s\n", h.client.Credential().Identity)
	switch room, current := h.client.CurrentRoom(); {
	case current:
		fmt.Fprintf(w, "Room:\t%s (%s)\n", room.Name, room.ID)
	default:
		if pending, ok := h.client.PendingRoom(); ok {
			fmt.Fprintf(w, "Room:\t%s (%s), password required\n", pending.Name, pending.ID)
		} else {
			fmt.Fprintln(w, "Room:\t-")
		}
	}
	status := h.client.State()
	fmt.Fprintf(w, "Connection:\t%s\n", status.State)
	if status.LastErr != nil {
		fmt.Fprintf(w, "Last error:\t%v\n", status.LastErr)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return err
}

// restore resumes the persisted session or reports that none exists.
func restore(ctx context.Context, h *host) error {
	ok, err := h.client.Restore(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errNotSignedIn
	}
	return nil
}

// =============================================================================
// Room Handlers
// =============================================================================

func runRooms(cmd *cobra.Command, filter string) error {
	only := strings.ToLower(strings.TrimSpace(filter))
	switch only {
	case "", "public", "private":
	default:
		return fmt.Errorf("--only must be public or private, got %q", filter)
	}

	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := restore(cmd.Context(), h); err != nil {
		return err
	}

	list, err := h.client.Rooms(cmd.Context())
	if err != nil {
		return err
	}
	switch only {
	case "public":
		list = h.client.PublicRooms()
	case "private":
		list = h.client.PrivateRooms()
	}
	current, _ := h.client.CurrentRoom()
	return writeRooms(cmd.OutOrStdout(), list, current.ID)
}

func writeRooms(out io.Writer, list []models.Room, current models.ID) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "No rooms found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, " \tID\tNAME\tACCESS\tDESCRIPTION")
	for _, room := range list {
		marker := " "
		if room.ID == current {
			marker = "*"
		}
		access := "public"
		if room.IsPrivate {
			access = "private"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, room.ID, room.Name, access, room.Description)
	}
	return w.Flush()
}

func runCreateRoom(cmd *cobra.Command, name, description string, private, passwordStdin bool) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := restore(cmd.Context(), h); err != nil {
		return err
	}

	spec := models.RoomSpec{Name: name, Description: description, IsPrivate: private}
	if private {
		spec.Password, err = readSecret(cmd, bufio.NewReader(cmd.InOrStdin()), "Room password: ", passwordStdin)
		if err != nil {
			return err
		}
	}
	room, err := h.client.CreateRoom(cmd.Context(), spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created room %s (%s)\n", room.Name, room.ID)
	return nil
}

func runJoin(cmd *cobra.Command, roomID string, passwordStdin bool) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := restore(cmd.Context(), h); err != nil {
		return err
	}

	room, err := enter(cmd, h, models.ID(roomID), bufio.NewReader(cmd.InOrStdin()), passwordStdin)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Entered %s (%s)\n", room.Name, room.ID)
	return nil
}

// enter selects roomID and completes the password exchange when the room is
// private.
func enter(cmd *cobra.Command, h *host, roomID models.ID, r *bufio.Reader, passwordStdin bool) (models.Room, error) {
	ctx := cmd.Context()
	if _, err := h.client.Rooms(ctx); err != nil {
		return models.Room{}, err
	}
	sel, err := h.client.SelectRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if !sel.NeedsPassword {
		return sel.Room, nil
	}
	return unlock(cmd, h, sel.Room, r, passwordStdin)
}

func unlock(cmd *cobra.Command, h *host, room models.Room, r *bufio.Reader, passwordStdin bool) (models.Room, error) {
	password, err := readSecret(cmd, r, fmt.Sprintf("Password for %s: ", room.Name), passwordStdin)
	if err != nil {
		return models.Room{}, err
	}
	if _, err := h.client.JoinRoom(cmd.Context(), room.ID, password); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// =============================================================================
// Chat Handler
// =============================================================================

func runChat(cmd *cobra.Command, roomID string) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()
	ctx := cmd.Context()
	if err := restore(ctx, h); err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())
	var room models.Room
	switch pending, isPending := h.client.PendingRoom(); {
	case roomID != "":
		room, err = enter(cmd, h, models.ID(roomID), in, false)
	case isPending:
		room, err = unlock(cmd, h, pending, in, false)
	default:
		var ok bool
		if room, ok = h.client.CurrentRoom(); !ok {
			err = errors.New("no room selected; pass a room id")
		}
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chatting in %s. Type /quit to leave.\n", room.Name)
	printer := newTimelinePrinter(out, h.client)
	printer.flush()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printer.follow(done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := readLine(in)
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit, err := chatCommand(cmd, h, strings.TrimSpace(line)); quit || err != nil {
				return err
			}
		}
	}
}

// chatCommand handles one input line and reports whether the chat should end.
func chatCommand(cmd *cobra.Command, h *host, line string) (bool, error) {
	out := cmd.OutOrStdout()
	switch line {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/history":
		return false, h.client.Render(out)
	case "/rooms":
		list, err := h.client.Rooms(cmd.Context())
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			return false, nil
		}
		current, _ := h.client.CurrentRoom()
		return false, writeRooms(out, list, current.ID)
	}
	if _, err := h.client.Send(cmd.Context(), line); err != nil {
		fmt.Fprintf(out, "! not sent: %v\n", err)
	}
	return false, nil
}

// timelinePrinter prints each settled timeline entry once, plus connection
// and presence notices.
type timelinePrinter struct {
	out    io.Writer
	client *client.Client

	mu      sync.Mutex
	printed map[string]bool
}

func newTimelinePrinter(out io.Writer, c *client.Client) *timelinePrinter {
	return &timelinePrinter{out: out, client: c, printed: make(map[string]bool)}
}

func (p *timelinePrinter) follow(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-p.client.Events():
			p.handle(ev)
		}
	}
}

func (p *timelinePrinter) handle(ev client.Event) {
	switch ev.Kind {
	case client.EventTimeline:
		p.flush()
	case client.EventPresence:
		verb := "joined"
		if ev.Message.Type == models.MessageTypeLeave {
			verb = "left"
		}
		p.printf("* %s %s\n", ev.Message.Sender, verb)
	case client.EventState:
		switch ev.State {
		case models.ChannelReconnecting:
			p.printf("[reconnecting, attempt %d]\n", ev.Attempt)
		case models.ChannelConnected:
			p.printf("[connected]\n")
		}
	case client.EventError:
		p.printf("! %v\n", ev.Err)
	case client.EventSession:
		if ev.Credential == nil {
			p.printf("! signed out\n")
		}
	}
}

func (p *timelinePrinter) flush() {
	for _, e := range p.client.Timeline() {
		if e.Status == timeline.StatusPending {
			continue
		}
		key := entryKey(e)
		p.mu.Lock()
		seen := p.printed[key]
		p.printed[key] = true
		p.mu.Unlock()
		if seen {
			continue
		}
		msg := e.Message
		suffix := ""
		if e.Status == timeline.StatusFailed {
			suffix = " (not sent)"
		}
		p.printf("[%s] %s: %s%s\n", msg.SentAt.Local().Format("15:04"), msg.Sender, msg.Content, suffix)
	}
}

func (p *timelinePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func entryKey(e timeline.Entry) string {
	msg := e.Message
	switch {
	case msg.LocalID != "":
		return "local:" + msg.LocalID + ":" + e.Status.String()
	case !msg.ID.IsZero():
		return "id:" + msg.ID.String()
	default:
		return fmt.Sprintf("%s|%s|%s", msg.Sender, msg.SentAt.Format(time.RFC3339Nano), msg.Content)
	}
}
