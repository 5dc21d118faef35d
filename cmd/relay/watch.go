package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	relay "github.com/relaychat/relay-go"
	"github.com/spf13/cobra"
)

var watchConv string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchConv, "conversation", "", "Activate this conversation and mark inbound messages seen")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail realtime events",
	Long:  "Connect to the realtime channel, run the sync engine, and print events as they arrive. Ctrl-C to exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		me, err := client.Auth.Me(ctx)
		if err != nil {
			return fmt.Errorf("token check failed: %w", err)
		}

		sock := client.Realtime.Socket(&relay.SocketConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		})
		engine := relay.NewEngine(relay.NewState(), client.Messages, sock, *me)
		engine.Bind(sock)

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		engine.SetConversations(convs)

		groups, err := client.Groups.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list groups: %w", err)
		}
		engine.SetGroups(groups)

		sock.OnMessage(func(m relay.Message) {
			fmt.Printf("[%s] %s %s: %s\n",
				time.Now().Format("15:04:05"), m.Conversation.ID, m.Sender.Username(), preview(&m))
		})
		sock.OnTyping(func(ev relay.TypingEvent, typing bool) {
			verb := "stopped typing"
			if typing {
				verb = "is typing"
			}
			fmt.Printf("[%s] %s %s %s\n", time.Now().Format("15:04:05"), ev.ConversationID, ev.Username, verb)
		})
		sock.OnPresence(func(userID string, online bool) {
			status := "offline"
			if online {
				status = "online"
			}
			fmt.Printf("[%s] %s is %s\n", time.Now().Format("15:04:05"), userID, status)
		})
		sock.OnGroupUpdated(func(g relay.Group) {
			names := make([]string, 0, len(g.Members))
			for _, m := range g.Members {
				names = append(names, m.Username)
			}
			fmt.Printf("[%s] group %s updated (members: %s)\n",
				time.Now().Format("15:04:05"), g.Name, strings.Join(names, ", "))
		})
		sock.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "disconnected: %s\n", reason)
		})
		sock.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d) in %s\n", attempt, delay)
		})

		if err := sock.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer sock.Disconnect()

		if watchConv != "" {
			conv, found := relay.Conversation{}, false
			engine.View(func(s *relay.State) {
				conv, found = s.ConversationByID(watchConv)
			})
			if !found {
				return fmt.Errorf("unknown conversation %s", watchConv)
			}
			if err := engine.Activate(ctx, conv); err != nil {
				return err
			}
			if err := engine.MarkThreadSeen(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "mark seen failed: %v\n", err)
			}
		}

		fmt.Printf("Watching as %s. Ctrl-C to exit.\n", me.Username)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
