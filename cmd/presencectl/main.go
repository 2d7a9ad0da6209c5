// Command presencectl connects to a casebook presence channel and prints who
// is editing a report.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"casebook/api/internal/logging"
	"casebook/api/internal/presence"
	"casebook/api/internal/presenceclient"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		url      string
		token    string
		logLevel string
	)
	root := &cobra.Command{
		Use:           "presencectl",
		Short:         "Casebook presence channel client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.Setup(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&url, "url", envOr("CASEBOOK_PRESENCE_URL", "ws://localhost:8787/ws/presence"), "presence websocket URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("CASEBOOK_TOKEN"), "bearer token (defaults to $CASEBOOK_TOKEN)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	root.AddCommand(newWatchCmd(&url, &token))
	return root
}

func newWatchCmd(url, token *string) *cobra.Command {
	var (
		reportID  int64
		edit      bool
		keepalive time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print editing_users updates for a report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if reportID <= 0 {
				return fmt.Errorf("--report must be a positive report id")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd, watchOptions{
				url:       *url,
				token:     *token,
				reportID:  presence.ReportID(reportID),
				edit:      edit,
				keepalive: keepalive,
			})
		},
	}
	cmd.Flags().Int64Var(&reportID, "report", 0, "report id to watch")
	cmd.Flags().BoolVar(&edit, "edit", false, "announce start_editing for the report")
	cmd.Flags().DurationVar(&keepalive, "keepalive", 30*time.Second, "activity interval while editing (0 disables)")
	return cmd
}

type watchOptions struct {
	url       string
	token     string
	reportID  presence.ReportID
	edit      bool
	keepalive time.Duration
}

func watch(ctx context.Context, cmd *cobra.Command, opts watchOptions) error {
	out := cmd.OutOrStdout()
	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}
	if !opts.edit {
		opts.keepalive = 0
	}

	controller := presenceclient.New(presenceclient.Options{
		URL:               opts.url,
		Header:            header,
		KeepaliveInterval: opts.keepalive,
		OnIdentity: func(userID, username string) {
			fmt.Fprintf(out, "connected as %s (%s)\n", username, userID)
		},
		OnEditingUsers: func(update presence.EditingUsers) {
			if update.ReportID != opts.reportID {
				return
			}
			fmt.Fprintf(out, "report %s: %s\n", update.ReportID, describeEditors(update.Users))
		},
		OnStateChange: func(state presenceclient.State) {
			log.Debug().Str("state", state.String()).Msg("presence channel state")
		},
	})
	if opts.edit {
		_ = controller.StartEditing(opts.reportID)
	}
	controller.Start()

	select {
	case <-ctx.Done():
	case <-controller.Done():
	}
	if opts.edit {
		_ = controller.StopEditing(opts.reportID)
	}
	controller.Dispose()
	return controller.Err()
}

func describeEditors(users []presence.Editor) string {
	if len(users) == 0 {
		return "nobody editing"
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, fmt.Sprintf("%s (since %s)", u.Username, u.StartTime.Local().Format("15:04:05")))
	}
	return strings.Join(names, ", ")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
