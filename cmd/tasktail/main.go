// Command tasktail follows a user's notification stream from a taskboard API
// and prints each event as it arrives. It reconnects on its own and pulls
// unread notifications after every reconnect.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskboard/api/internal/realtime"
)

var (
	baseURL  string
	token    string
	projects []string
	verbose  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tasktail",
	Short:        "Stream taskboard notifications to the terminal",
	SilenceUsage: true,
	RunE:         runTail,
}

func init() {
	rootCmd.Flags().StringVar(&baseURL, "url", "http://localhost:8787", "taskboard API base URL")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("TASKBOARD_TOKEN"), "identity token (default $TASKBOARD_TOKEN)")
	rootCmd.Flags().StringSliceVar(&projects, "project", nil, "only stream events for these project ids (repeatable)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection state changes")
}

func runTail(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("--token or TASKBOARD_TOKEN is required")
	}
	wsURL, err := realtimeURL(baseURL)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	client := &http.Client{Timeout: 10 * time.Second}
	supervisor := realtime.NewSupervisor(realtime.SupervisorConfig{
		URL:   wsURL,
		Token: func(context.Context) (string, error) { return token, nil },
		OnConnect: func(ctx context.Context) {
			missed, err := fetchUnread(ctx, client)
			if err != nil {
				logger.Warn("fetch unread notifications", "error", err)
				return
			}
			for _, n := range missed {
				printNotification(out, n)
			}
		},
		OnEvent: func(env realtime.Envelope) {
			printEvent(out, env)
		},
		Logger: logger,
	})
	for _, projectID := range projects {
		if err := supervisor.Subscribe(ctx, projectID); err != nil {
			return fmt.Errorf("subscribe %s: %w", projectID, err)
		}
	}

	if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// realtimeURL turns an http(s) API base URL into the websocket endpoint.
func realtimeURL(base string) (string, error) {
	target, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse --url: %w", err)
	}
	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", target.Scheme)
	}
	target.Path += "/api/realtime"
	return target.String(), nil
}

type notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ProjectID *string   `json:"projectId"`
	CreatedAt time.Time `json:"createdAt"`
}

func fetchUnread(ctx context.Context, client *http.Client) ([]notification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/notifications?unread=true", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unread notifications: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Notifications []notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	// Oldest first so the terminal reads top to bottom.
	for i, j := 0, len(payload.Notifications)-1; i < j; i, j = i+1, j-1 {
		payload.Notifications[i], payload.Notifications[j] = payload.Notifications[j], payload.Notifications[i]
	}
	return payload.Notifications, nil
}

func printNotification(w io.Writer, n notification) {
	project := ""
	if n.ProjectID != nil {
		project = " [" + *n.ProjectID + "]"
	}
	fmt.Fprintf(w, "%s %-24s%s %s: %s\n", n.CreatedAt.Local().Format(time.TimeOnly), n.Type, project, n.Title, n.Message)
}

func printEvent(w io.Writer, env realtime.Envelope) {
	switch env.Type {
	case realtime.EventNotification:
		var n notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			fmt.Fprintf(w, "malformed notification: %v\n", err)
			return
		}
		printNotification(w, n)
	case realtime.EventNotificationsRead:
		var state struct {
			UnreadCount int `json:"unreadCount"`
		}
		_ = json.Unmarshal(env.Data, &state)
		fmt.Fprintf(w, "-- %d unread\n", state.UnreadCount)
	case realtime.EventError:
		fmt.Fprintf(w, "error: %s\n", string(env.Data))
	}
}
