package main

import (
	"fmt"
	"os"

	relay "github.com/relaychat/relay-go"
)

// newClient creates a Relay client from a loaded config.
func newClient(cfg *Config) *relay.Client {
	var opts []relay.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, relay.WithBaseURL(cfg.Default.BaseURL))
	}
	return relay.NewClient(cfg.Auth.Token, opts...)
}

// getClient creates a Relay client authenticated with the stored token, or
// exits with a hint when the CLI has not been initialized.
func getClient() (*relay.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'relay init <token>' first.")
		os.Exit(1)
	}
	return newClient(cfg), cfg
}

// conversationTitle renders a directory entry the way the sidebar would:
// group name for groups, the counterpart's username for direct threads.
func conversationTitle(conv relay.Conversation, selfID string) string {
	if conv.IsGroup {
		if conv.GroupName != "" {
			return conv.GroupName
		}
		if conv.GroupData != nil && conv.GroupData.Name != "" {
			return conv.GroupData.Name
		}
		return "(unnamed group)"
	}
	for _, p := range conv.Participants {
		if p.ID != selfID {
			return p.Username
		}
	}
	return "(empty)"
}

// preview renders a last-message line for the directory listing.
func preview(m *relay.Message) string {
	if m == nil {
		return ""
	}
	switch m.Type {
	case relay.MessageImage:
		return "[image]"
	case relay.MessageFile:
		if m.FileName != "" {
			return "[file] " + m.FileName
		}
		return "[file]"
	default:
		if len(m.Content) > 60 {
			return m.Content[:57] + "..."
		}
		return m.Content
	}
}
