package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/onnwee/chatdeck/bot"
)

const defaultAddr = "http://localhost:8080"

// newRootCommand builds the CLI. Flags default from CHATDECK_ADDR and ADMIN_TOKEN.
func newRootCommand() *cobra.Command {
	var addr, token string
	client := func() *apiClient { return newAPIClient(addr, token) }

	root := &cobra.Command{
		Use:           "chatdeckctl",
		Short:         "Manage a running chatdeck bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOr("CHATDECK_ADDR", defaultAddr), "admin API base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("ADMIN_TOKEN"), "admin token (X-Admin-Token)")

	root.AddCommand(newStatusCommand(client))
	root.AddCommand(newComponentsCommand(client))
	root.AddCommand(newAuthURLCommand(client))
	root.AddCommand(newRestartCommand(client))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newStatusCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the bot session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st bot.Status
			if err := client().call(cmd.Context(), http.MethodGet, "/status", &st); err != nil {
				return err
			}
			printStatus(cmd, st)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, st bot.Status) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "state\t%s\n", st.State)
	if st.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", st.Error)
	}
	if st.Running {
		fmt.Fprintf(tw, "session\t%s\n", st.SessionID)
		fmt.Fprintf(tw, "channel\t%s\n", st.Channel)
		fmt.Fprintf(tw, "bot\t%s\n", st.BotLogin)
	}
	fmt.Fprintf(tw, "chat\t%s\n", st.Chat)
	fmt.Fprintf(tw, "events\t%s (%s)\n", st.Events, st.EventProtocol)
	fmt.Fprintf(tw, "control\t%s\n", connected(st.ControlConnected))
	fmt.Fprintf(tw, "components\t%s\n", strings.Join(st.Components, ", "))
	_ = tw.Flush()
}

func connected(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

type componentEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Active      bool   `json:"active"`
}

func newComponentsCommand(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "components",
		Short: "List, add and remove bot components",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available components and whether they are active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Available []componentEntry `json:"available"`
			}
			if err := client().call(cmd.Context(), http.MethodGet, "/components", &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 0, 3, ' ', 0)
			fmt.Fprintf(tw, "ID\tACTIVE\tVERSION\tDESCRIPTION\n")
			for _, c := range resp.Available {
				active := ""
				if c.Active {
					active = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, active, c.Version, c.Description)
			}
			return tw.Flush()
		},
	})

	change := func(use, short, method, verb string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp struct {
					Active []string `json:"active"`
				}
				if err := client().call(cmd.Context(), method, "/components/"+url.PathEscape(args[0]), &resp); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s; active: %s\n", verb, args[0], strings.Join(resp.Active, ", "))
				return nil
			},
		}
	}
	cmd.AddCommand(change("add", "Activate a component", http.MethodPost, "added"))
	cmd.AddCommand(change("remove", "Deactivate a component", http.MethodDelete, "removed"))
	return cmd
}

func newAuthURLCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:       "auth-url <host|bot>",
		Short:     "Print the Twitch authorization URL for the host or bot account",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"host", "bot"},
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := client().authURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func newRestartCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the bot session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st bot.Status
			if err := client().call(cmd.Context(), http.MethodPost, "/session/restart", &st); err != nil {
				return err
			}
			printStatus(cmd, st)
			return nil
		},
	}
}
