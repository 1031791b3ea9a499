package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/loomrelay/loomrelay/internal/config"
	"github.com/loomrelay/loomrelay/internal/knowledge"
	"github.com/loomrelay/loomrelay/internal/transcript"
	"github.com/loomrelay/loomrelay/pkg/protocol"
)

func chatHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat-history",
		Short: "Inspect and export raw conversation transcripts",
	}
	cmd.AddCommand(chatHistoryListCmd())
	cmd.AddCommand(chatHistoryExportCmd())
	cmd.AddCommand(chatHistoryDiagnoseCmd())
	cmd.AddCommand(chatHistoryReRoleCmd())
	cmd.AddCommand(chatHistoryFetchChatCmd())
	return cmd
}

func openRecorder() (*config.Config, *transcript.Recorder) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fatal("load config: %v", err)
	}
	return cfg, transcript.NewRecorder(cfg.WorkspacePath(), cfg.ChatHistory.AdminNames, cfg.ChatHistory.AdminIDs)
}

func chatHistoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <channel>",
		Short: "List recorded conversations for a channel",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, rec := openRecorder()
			chats := rec.ListChats(args[0])
			if len(chats) == 0 {
				fmt.Println("no recorded conversations")
				return
			}
			for _, c := range chats {
				kind := "dm"
				if c.IsGroup {
					kind = "group"
				}
				fmt.Printf("%-40s %-6s %d messages\n", c.ChatID, kind, c.MsgCount)
			}
		},
	}
}

func chatHistoryExportCmd() *cobra.Command {
	var chatID, outDir string
	cmd := &cobra.Command{
		Use:   "export <channel>",
		Short: "Export customer-question / admin-reply pairs for knowledge ingest",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, rec := openRecorder()
			if outDir == "" {
				outDir = filepath.Join(cfg.WorkspacePath(), "knowledge", knowledge.LongTermDir, "reply_examples")
			}
			pairs, err := rec.ExportQAPairs(args[0], chatID, outDir)
			if err != nil {
				fatal("export: %v", err)
			}
			fmt.Printf("exported %d Q&A pairs to %s\n", len(pairs), outDir)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "restrict to one chat ID")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default <workspace>/knowledge/long_term/reply_examples)")
	return cmd
}

func chatHistoryDiagnoseCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "diagnose <channel>",
		Short: "Explain why a channel's history does or does not yield Q&A pairs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, rec := openRecorder()
			d := rec.Diagnose(args[0], chatID)
			fmt.Printf("admin configured: %v (names=%v ids=%v)\n", d.AdminConfigured, d.AdminNames, d.AdminIDs)
			for _, c := range d.Chats {
				fmt.Printf("%-40s total=%d admin=%d customer=%d unknown=%d pairs=%d\n",
					c.ChatID, c.Total, c.Admin, c.Customer, c.Unknown, c.QAPairs)
			}
			if d.Hint != "" {
				fmt.Println(d.Hint)
			}
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "restrict to one chat ID")
	return cmd
}

func chatHistoryReRoleCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "re-role <channel>",
		Short: "Re-apply role labels after changing the admin name/ID config",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			_, rec := openRecorder()
			n := rec.ReRole(args[0], chatID)
			fmt.Printf("re-labelled %d records\n", n)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "restrict to one chat ID")
	return cmd
}

// chatHistoryFetchChatCmd back-fills the transcript with the message list of
// the IM session currently open in the desktop app, via the bridge.
func chatHistoryFetchChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-chat",
		Short: "Pull the currently open 商网 chat from the bridge into the transcript",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, rec := openRecorder()
			if cfg.Channels.Shangwang.BridgeURL == "" {
				fatal("shangwang bridge_url not configured")
			}

			dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
			conn, _, err := dialer.Dial(cfg.Channels.Shangwang.BridgeURL, nil)
			if err != nil {
				fatal("connect bridge: %v", err)
			}
			defer conn.Close()

			if err := conn.WriteJSON(protocol.BridgeMessage{Type: protocol.TypeFetchChat}); err != nil {
				fatal("request chat: %v", err)
			}

			// The bridge may interleave status frames; wait for the reply.
			deadline := time.Now().Add(15 * time.Second)
			for {
				conn.SetReadDeadline(deadline)
				var msg protocol.BridgeMessage
				if err := conn.ReadJSON(&msg); err != nil {
					fatal("read bridge reply: %v", err)
				}
				switch msg.Type {
				case protocol.TypeFetchChat:
					if !msg.OK {
						fatal("bridge could not read the current chat")
					}
					fetched := make([]transcript.FetchedMessage, 0, len(msg.Msgs))
					for _, m := range msg.Msgs {
						fetched = append(fetched, transcript.FetchedMessage{
							From:     m.From,
							FromNick: m.FromNick,
							Text:     m.Text,
							Time:     m.Time,
							IDClient: m.IDClient,
						})
					}
					isGroup := strings.HasPrefix(msg.CurrSession, protocol.ChatPrefixTeam)
					added := rec.SaveFetched("shangwang", msg.CurrSession, fetched, isGroup)
					fmt.Printf("fetched %d messages from %s, %d new\n", len(msg.Msgs), msg.CurrSession, added)
					return
				case protocol.TypeError:
					fatal("bridge error: %s", msg.Error)
				}
			}
		},
	}
}
