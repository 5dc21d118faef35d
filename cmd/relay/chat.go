package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	relay "github.com/relaychat/relay-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	meJSON bool

	chatsJSON bool

	groupsJSON bool

	// groups create
	groupsCreateMembers     []string
	groupsCreateDescription string
	groupsCreatePublic      bool

	usersJSON bool

	// send
	sendTo   string
	sendConv string
	sendFile string

	// history
	historyJSON  bool
	historyLimit int
)

func init() {
	rootCmd.AddCommand(meCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)

	meCmd.Flags().BoolVar(&meJSON, "json", false, "Output raw JSON")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")

	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsJoinCmd)
	groupsListCmd.Flags().BoolVar(&groupsJSON, "json", false, "Output raw JSON")
	groupsCreateCmd.Flags().StringSliceVar(&groupsCreateMembers, "member", nil, "Member user id (repeatable)")
	groupsCreateCmd.Flags().StringVar(&groupsCreateDescription, "description", "", "Group description")
	groupsCreateCmd.Flags().BoolVar(&groupsCreatePublic, "public", false, "Create a public group (joinable by invite code)")

	sendCmd.Flags().StringVar(&sendTo, "to", "", "Receiver user id (direct message)")
	sendCmd.Flags().StringVar(&sendConv, "conversation", "", "Conversation id (group message)")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Attach a local file")

	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Show at most this many messages")
}

func timeoutCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// me
// ============================================================================

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the current account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := timeoutCtx()
		defer cancel()

		me, err := client.Auth.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if meJSON {
			return printJSON(me)
		}
		fmt.Printf("Username: %s\n", me.Username)
		fmt.Printf("User ID:  %s\n", me.ID)
		if me.Email != "" {
			fmt.Printf("Email:    %s\n", me.Email)
		}
		return nil
	},
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := timeoutCtx()
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			kind := "direct"
			if c.IsGroup {
				kind = "group"
			}
			fmt.Printf("%-26s  %-6s  %-20s  %s\n",
				c.ID, kind, conversationTitle(c, cfg.Auth.UserID), preview(c.LastMessage))
		}
		return nil
	},
}

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := timeoutCtx()
		defer cancel()

		groups, err := client.Groups.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if groupsJSON {
			return printJSON(groups)
		}
		if len(groups) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, g := range groups {
			fmt.Printf("%-26s  %-20s  %d members  conv=%s\n",
				g.ID, g.Name, len(g.Members), g.Conversation.ID)
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := timeoutCtx()
		defer cancel()

		groupType := relay.GroupPrivate
		if groupsCreatePublic {
			groupType = relay.GroupPublic
		}
		g, err := client.Groups.Create(ctx, &relay.CreateGroupOptions{
			Name:        args[0],
			Description: groupsCreateDescription,
			Members:     groupsCreateMembers,
			GroupType:   groupType,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Created group %s (%s)\n", g.Name, g.ID)
		if g.InviteCode != "" {
			fmt.Printf("Invite code: %s\n", g.InviteCode)
		}
		return nil
	},
}

var groupsJoinCmd = &cobra.Command{
	Use:   "join <invite-code>",
	Short: "Join a public group by invite code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := timeoutCtx()
		defer cancel()

		g, err := client.Groups.Join(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Joined group %s (%s)\n", g.Name, g.ID)
		return nil
	},
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users [query]",
	Short: "Search users",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := timeoutCtx()
		defer cancel()

		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		users, err := client.Users.Search(ctx, query)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if usersJSON {
			return printJSON(users)
		}
		for _, u := range users {
			status := "offline"
			if u.IsOnline {
				status = "online"
			}
			fmt.Printf("%-26s  %-20s  %s\n", u.ID, u.Username, status)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message",
	Long:  "Send a message over the realtime channel.\nUse --to for a direct message or --conversation for a group thread; --file attaches a local file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (sendTo == "") == (sendConv == "") {
			return fmt.Errorf("exactly one of --to or --conversation is required")
		}

		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		draft := relay.OutgoingMessage{Content: args[0], Type: relay.MessageText}
		if sendFile != "" {
			up, err := client.Files.UploadFile(ctx, sendFile)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			draft.Type = up.MessageType
			draft.FileURL = up.FileURL
			draft.FileName = up.FileName
			draft.FileSize = up.FileSize
		}

		sock := client.Realtime.Socket(&relay.SocketConfig{Token: cfg.Auth.Token})
		if err := sock.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer sock.Disconnect()

		// Wait for the server echo so the message is accepted before exit.
		echo := make(chan relay.Message, 1)
		sock.OnMessageSent(func(m relay.Message) {
			select {
			case echo <- m:
			default:
			}
		})

		var err error
		if sendTo != "" {
			draft.ReceiverID = sendTo
			err = sock.SendMessage(ctx, &draft)
		} else {
			draft.ConversationID = sendConv
			err = sock.SendGroupMessage(ctx, &draft)
		}
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		select {
		case m := <-echo:
			fmt.Printf("Sent %s\n", m.ID)
		case <-time.After(5 * time.Second):
			fmt.Println("Sent (no echo within 5s)")
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := timeoutCtx()
		defer cancel()

		msgs, err := client.Messages.History(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			sender := m.Sender.Username()
			if sender == "" {
				if m.Sender.ID == cfg.Auth.UserID {
					sender = cfg.Auth.Username
				} else {
					sender = m.Sender.ID
				}
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt, sender, preview(&m))
		}
		return nil
	},
}
