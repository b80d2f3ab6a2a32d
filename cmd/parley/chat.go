package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/pkg/client"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/log"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with other users through the cluster",
}

func init() {
	chatCmd.PersistentFlags().String("config", "", "Path to client config file (YAML)")
	chatCmd.PersistentFlags().String("cluster", "", "Comma-separated cluster node addresses")
	chatCmd.PersistentFlags().StringP("username", "u", "", "Your username")
	chatCmd.PersistentFlags().String("log-level", "error", "Log level (debug, info, warn, error)")

	chatCmd.AddCommand(createAccountCmd)
	chatCmd.AddCommand(loginCmd)
	chatCmd.AddCommand(sendCmd)
	chatCmd.AddCommand(conversationCmd)
	chatCmd.AddCommand(accountsCmd)
	chatCmd.AddCommand(partnersCmd)
	chatCmd.AddCommand(deleteMessagesCmd)
	chatCmd.AddCommand(deleteAccountCmd)
	chatCmd.AddCommand(markReadCmd)
	chatCmd.AddCommand(limitCmd)
	chatCmd.AddCommand(watchCmd)
	chatCmd.AddCommand(leaderCmd)
}

// newChatClient builds a connected client from flags and the optional
// config file; flags win on conflict
func newChatClient(cmd *cobra.Command) (*client.Client, error) {
	level, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(level)})

	cfg := &config.Client{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadClient(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if raw, _ := cmd.Flags().GetString("cluster"); raw != "" {
		cfg.Cluster = nil
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				cfg.Cluster = append(cfg.Cluster, n)
			}
		}
	}
	if u, _ := cmd.Flags().GetString("username"); u != "" {
		cfg.Username = u
	}

	if len(cfg.Cluster) == 0 {
		return nil, fmt.Errorf("--cluster or a config file with a cluster list is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("--username is required")
	}

	c, err := client.New(client.Config{Cluster: cfg.Cluster, Username: cfg.Username})
	if err != nil {
		return nil, err
	}
	if err := c.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	return c, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var createAccountCmd = &cobra.Command{
	Use:   "create-account PASSWORD",
	Short: "Create an account for your username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.CreateAccount(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Account created")
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login PASSWORD",
	Short: "Check your account exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Login(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Logged in")
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send RECIPIENT TEXT",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Println("Sent")
		return nil
	},
}

var conversationCmd = &cobra.Command{
	Use:   "conversation PARTNER",
	Short: "Read your conversation with a partner, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetInt("offset")
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		conv, err := c.ReadConversation(cmd.Context(), args[0], offset, limit)
		if err != nil {
			return err
		}
		for _, m := range conv.Messages {
			ts := time.Unix(int64(m.Timestamp), 0).Format("2006-01-02 15:04:05")
			fmt.Printf("[%d] %s %s: %s\n", m.ID, ts, m.Sender, m.Content)
		}
		fmt.Printf("(%d of %d messages)\n", len(conv.Messages), conv.Total)
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts [PATTERN]",
	Short: "List accounts matching a pattern",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}
		page, _ := cmd.Flags().GetInt("page")

		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.ListAccounts(cmd.Context(), pattern, page)
		if err != nil {
			return err
		}
		for _, u := range result.Users {
			fmt.Println(u)
		}
		fmt.Printf("(page %d, %d accounts total)\n", result.Page, result.Total)
		return nil
	},
}

var partnersCmd = &cobra.Command{
	Use:   "partners",
	Short: "List your conversation partners and unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		partners, unread, err := c.ListChatPartners(cmd.Context())
		if err != nil {
			return err
		}
		sort.Strings(partners)
		for _, p := range partners {
			fmt.Printf("%s (%d unread)\n", p, unread[p])
		}
		return nil
	},
}

var deleteMessagesCmd = &cobra.Command{
	Use:   "delete-messages ID [ID...]",
	Short: "Delete messages from your view of a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.DeleteMessages(cmd.Context(), ids); err != nil {
			return err
		}
		fmt.Println("Deleted")
		return nil
	},
}

var deleteAccountCmd = &cobra.Command{
	Use:   "delete-account",
	Short: "Delete your account and message history",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.DeleteAccount(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Account deleted")
		return nil
	},
}

var markReadCmd = &cobra.Command{
	Use:   "mark-read [ID...]",
	Short: "Mark messages read; no ids marks the whole inbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.MarkRead(cmd.Context(), ids); err != nil {
			return err
		}
		fmt.Println("Marked read")
		return nil
	},
}

var limitCmd = &cobra.Command{
	Use:   "limit PARTNER [N]",
	Short: "Show or set the page size for a conversation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid limit %q", args[1])
			}
			if err := c.SetChatLimit(cmd.Context(), args[0], n); err != nil {
				return err
			}
			fmt.Printf("Limit for %s set to %d\n", args[0], n)
			return nil
		}

		limit, err := c.GetChatLimit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Limit for %s is %d\n", args[0], limit)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		c.Start()
		fmt.Println("Watching for messages. Press Ctrl+C to stop.")
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case msg, ok := <-c.Incoming():
				if !ok {
					return nil
				}
				ts := time.Unix(int64(msg.Timestamp), 0).Format("15:04:05")
				fmt.Printf("[%d] %s %s: %s\n", msg.ID, ts, msg.Sender, msg.Text)
			}
		}
	},
}

var leaderCmd = &cobra.Command{
	Use:   "leader",
	Short: "Show the current cluster leader",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newChatClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		leader, err := c.Leader(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(leader)
		return nil
	},
}

func init() {
	conversationCmd.Flags().Int("offset", 0, "Messages to skip from the newest")
	conversationCmd.Flags().Int("limit", 0, "Page size; 0 uses your saved preference")
	accountsCmd.Flags().Int("page", 1, "Result page, 10 per page")
}
