package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Session Commands
// =============================================================================

func buildLoginCmd() *cobra.Command {
	var passwordStdin bool
	cmd := &cobra.Command{
		Use:   "login [username]",
		Short: "Sign in and remember the session",
		Args:  cobra.ExactArgs(1),
		Example: `  roomchat login alice
  echo "$PASSWORD" | roomchat login alice --password-stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, args[0], passwordStdin)
		},
	}
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	return cmd
}

func buildSignupCmd() *cobra.Command {
	var (
		email         string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "signup [username]",
		Short: "Register a new account",
		Long:  "Register a new account. Sign in with `roomchat login` afterwards.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignup(cmd, args[0], email, passwordStdin)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address for the account")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func buildLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd)
		},
	}
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the signed-in user, selected room and connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
}

// =============================================================================
// Room Commands
// =============================================================================

func buildRoomsCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRooms(cmd, filter)
		},
	}
	cmd.Flags().StringVar(&filter, "only", "", "Restrict the listing to public or private rooms")
	return cmd
}

func buildCreateRoomCmd() *cobra.Command {
	var (
		description   string
		private       bool
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "create-room [name]",
		Short: "Create a public or password-protected room",
		Args:  cobra.ExactArgs(1),
		Example: `  roomchat create-room general --description "everyone welcome"
  roomchat create-room vault --private`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateRoom(cmd, args[0], description, private, passwordStdin)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Room description")
	cmd.Flags().BoolVar(&private, "private", false, "Protect the room with a password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the room password from stdin")
	return cmd
}

func buildJoinCmd() *cobra.Command {
	var passwordStdin bool
	cmd := &cobra.Command{
		Use:   "join [room-id]",
		Short: "Select a room, entering its password when it is private",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, args[0], passwordStdin)
		},
	}
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the room password from stdin")
	return cmd
}

func buildChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [room-id]",
		Short: "Open an interactive chat in a room",
		Long: `Open an interactive chat. Without a room id the selected room is used.

Lines typed are sent to the room. Commands:
  /history   print the whole timeline with day separators
  /rooms     list rooms
  /quit      leave`,
		Args: cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID := ""
			if len(args) > 0 {
				roomID = args[0]
			}
			return runChat(cmd, roomID)
		},
	}
	return cmd
}
