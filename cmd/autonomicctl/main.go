// Command autonomicctl talks to a running autonomic gateway.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/autonomic-gateway/internal/auth"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/gateway"
	"github.com/tjfontaine/autonomic-gateway/internal/server"
)

var (
	serverURL string
	timeout   time.Duration
	version   = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "autonomicctl",
	Short:   "Client for the autonomic gateway",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "gateway base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")

	chatCmd.Flags().String("chat-id", "", "chat id (required)")
	chatCmd.Flags().String("agent", "carsalesman101", "agent family id")
	_ = chatCmd.MarkFlagRequired("chat-id")

	feedbackCmd.Flags().String("chat-id", "", "chat id (required)")
	feedbackCmd.Flags().String("config-id", "", "config id that produced the reply, e.g. carsalesman101_v1 (required)")
	feedbackCmd.Flags().Int("score", 1, "1 like, -1 dislike, 0 neutral")
	feedbackCmd.Flags().String("comment", "", "optional comment")
	_ = feedbackCmd.MarkFlagRequired("chat-id")
	_ = feedbackCmd.MarkFlagRequired("config-id")

	resetCmd.Flags().String("admin-key", os.Getenv("AUTONOMIC_ADMIN_KEY"), "admin key (defaults to $AUTONOMIC_ADMIN_KEY)")

	rootCmd.AddCommand(chatCmd, feedbackCmd, eventsCmd, agentCmd, resetCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one chat turn",
	Long: `Send one user message to an agent family and print the reply.

Examples:
  autonomicctl chat --chat-id demo "Is the Model Y in stock?"
  autonomicctl chat --chat-id demo --agent acme "Do you sell anvils?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetString("chat-id")
		agent, _ := cmd.Flags().GetString("agent")

		var resp gateway.TurnResponse
		err := call(http.MethodPost, "/v1/chat", nil, gateway.TurnRequest{
			ChatID:        chatID,
			AgentFamilyID: agent,
			UserMessage:   strings.Join(args, " "),
		}, &resp)
		if err != nil {
			return err
		}

		fmt.Println(resp.ReplyText)
		fmt.Printf("\n[%s v%d, %.0fms, $%.6f, audit queued: %t]\n",
			resp.ConfigID, resp.Version, resp.LatencyMs, resp.Cost, resp.AuditQueued)
		return nil
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Rate a reply",
	Long: `Record a like or dislike against the config version that produced a reply.

Examples:
  autonomicctl feedback --chat-id demo --config-id carsalesman101_v1 --score -1 --comment "never asked for my email"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		job := domain.FeedbackJob{}
		job.ChatID, _ = cmd.Flags().GetString("chat-id")
		job.AgentVersionID, _ = cmd.Flags().GetString("config-id")
		job.Score, _ = cmd.Flags().GetInt("score")
		job.Comment, _ = cmd.Flags().GetString("comment")

		if err := call(http.MethodPost, "/v1/feedback", nil, job, nil); err != nil {
			return err
		}
		fmt.Println("Feedback queued")
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <chat-id>",
	Short: "Show the workflow trail of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp server.EventsResponse
		if err := call(http.MethodGet, "/v1/chats/"+args[0]+"/events", nil, nil, &resp); err != nil {
			return err
		}
		if len(resp.Events) == 0 {
			fmt.Println("No events")
			return nil
		}
		for _, ev := range resp.Events {
			state := ""
			if ev.State != "" {
				state = fmt.Sprintf(" [%s d=%d]", ev.State, ev.Depth)
			}
			fmt.Printf("%s %-9s %-9s%s %s\n",
				ev.CreatedAt.Format(time.RFC3339), ev.Level, ev.Component, state, ev.Message)
		}
		return nil
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent <family-id>",
	Short: "Show an agent family's versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp server.AgentResponse
		if err := call(http.MethodGet, "/v1/agents/"+args[0], nil, nil, &resp); err != nil {
			return err
		}
		if resp.Pointer != nil {
			fmt.Printf("Active: %s (v%d)\n", resp.Pointer.ActiveConfigID, resp.Pointer.CurrentVersion)
			if resp.Pointer.Reason != "" {
				fmt.Printf("Reason: %s\n", resp.Pointer.Reason)
			}
		}
		fmt.Println()
		for _, v := range resp.Versions {
			likes, dislikes := 0, 0
			if v.Stats != nil {
				likes, dislikes = v.Stats.Likes, v.Stats.Dislikes
			}
			fmt.Printf("  v%-3d %-16s +%d/-%d\n", v.Version, v.DeploymentState, likes, dislikes)
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe all state and reseed the default agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("admin-key")
		if key == "" {
			return fmt.Errorf("--admin-key or AUTONOMIC_ADMIN_KEY is required")
		}

		var resp server.ResetResponse
		headers := map[string]string{auth.HeaderAdminKey: key}
		if err := call(http.MethodPost, "/admin/reset", headers, nil, &resp); err != nil {
			return err
		}
		fmt.Printf("%s: %d documents deleted, seeded %s\n",
			resp.Status, resp.DocsDeleted, strings.Join(resp.SeededFamily, ", "))
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the gateway is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp server.HealthResponse
		if err := call(http.MethodGet, "/healthz", nil, nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Status: %s\n", resp.Status)
		fmt.Printf("Roles:  %s\n", strings.Join(resp.Roles, ", "))
		return nil
	},
}

// call sends one request and decodes a 2xx body into out when out is set.
func call(method, path string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e server.ErrorBody
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error.Message != "" {
			return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, e.Error.Type, e.Error.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
