// Command trustcore runs the trust and session core service and ships the
// tooling used to produce signed test credentials.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trustcore/cmd/internal/app"
	"trustcore/cmd/internal/verify"
)

var version = "dev" // set by the linker

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		// cobra already printed the error.
		os.Exit(1)
	}
}

// newRootCmd builds a fresh command tree so tests can execute it in isolation.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "trustcore",
		Short:        "Signed-payload verification, sessions and balance locking",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newSignLaunchCmd(), newSignWebhookCmd(), newWatchCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var addr, level, format string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Runs the HTTP service configured from TRUSTCORE_* environment variables.
Flags override the matching variables. SIGINT or SIGTERM starts a graceful drain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = level
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = format
			}
			return app.Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (TRUSTCORE_HTTP_ADDR)")
	cmd.Flags().StringVar(&level, "log-level", "", "debug, info, warn or error (TRUSTCORE_LOG_LEVEL)")
	cmd.Flags().StringVar(&format, "log-format", "", "json, text or pretty (TRUSTCORE_LOG_FORMAT)")
	return cmd
}

func newSignLaunchCmd() *cobra.Command {
	var (
		botToken  string
		userID    string
		firstName string
		authDate  int64
		extra     []string
	)

	cmd := &cobra.Command{
		Use:   "sign-launch",
		Short: "Print signed mini-app launch data for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(botToken) == "" {
				botToken = app.EnvString("TRUSTCORE_BOT_TOKEN", "")
			}
			if strings.TrimSpace(botToken) == "" {
				return errors.New("--bot-token or TRUSTCORE_BOT_TOKEN is required")
			}
			if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
				return fmt.Errorf("--user-id must be numeric: %w", err)
			}

			user := map[string]any{"id": json.Number(userID)}
			if firstName != "" {
				user["first_name"] = firstName
			}
			rawUser, err := json.Marshal(user)
			if err != nil {
				return err
			}

			if authDate == 0 {
				authDate = time.Now().Unix()
			}
			fields := url.Values{
				"auth_date": {strconv.FormatInt(authDate, 10)},
				"user":      {string(rawUser)},
			}
			for _, kv := range extra {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("--field %q: want key=value", kv)
				}
				fields.Set(strings.TrimSpace(k), v)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), verify.SignLaunchData(botToken, fields))
			return err
		},
	}
	cmd.Flags().StringVar(&botToken, "bot-token", "", "bot token (default TRUSTCORE_BOT_TOKEN)")
	cmd.Flags().StringVar(&userID, "user-id", "", "numeric user id")
	cmd.Flags().StringVar(&firstName, "first-name", "", "user first name")
	cmd.Flags().Int64Var(&authDate, "auth-date", 0, "unix auth_date (default now)")
	cmd.Flags().StringArrayVar(&extra, "field", nil, "extra signed field as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newSignWebhookCmd() *cobra.Command {
	var (
		secret string
		fields []string
	)

	cmd := &cobra.Command{
		Use:   "sign-webhook [body]",
		Short: "Print the signature a payment provider would send for a callback body",
		Long:  `Reads the JSON body from the argument, or from stdin when omitted.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				secret = app.EnvString("TRUSTCORE_WEBHOOK_SECRET", "")
			}
			if len(fields) == 0 {
				fields = app.EnvList("TRUSTCORE_WEBHOOK_FIELDS", verify.DefaultWebhookFields)
			}

			v, err := verify.NewWebhookVerifier("payments", secret, verify.WithFields(fields...))
			if err != nil {
				return err
			}

			var body string
			if len(args) == 1 {
				body = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = string(b)
			}

			sig, err := v.Sign(body)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sig)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret (default TRUSTCORE_WEBHOOK_SECRET)")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "canonical fields (default TRUSTCORE_WEBHOOK_FIELDS)")
	return cmd
}
