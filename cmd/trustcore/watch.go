package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"trustcore/cmd/internal/ingress"
	"trustcore/cmd/internal/realtime"
)

func newWatchCmd() *cobra.Command {
	var (
		baseURL    string
		launchData string
		count      int
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sign in with launch data and print balance feed events",
		Long: `Exchanges launch data for a session, opens /v1/balance/stream and writes
every event to stdout as one JSON line. Launch data is read from stdin when
--launch-data is omitted, so it pipes from sign-launch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(launchData) == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				launchData = strings.TrimSpace(string(b))
			}
			if launchData == "" {
				return errors.New("--launch-data or stdin is required")
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return watchFeed(ctx, cmd.OutOrStdout(), strings.TrimRight(baseURL, "/"), launchData, count)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "service base URL")
	cmd.Flags().StringVar(&launchData, "launch-data", "", "signed launch data (default stdin)")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 = until interrupted)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline (0 = none)")
	return cmd
}

func watchFeed(ctx context.Context, out io.Writer, baseURL, launchData string, count int) error {
	cookie, err := signIn(ctx, baseURL, launchData)
	if err != nil {
		return err
	}

	u, err := url.Parse(baseURL + "/v1/balance/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	hdr := http.Header{}
	hdr.Set("Cookie", cookie.String())
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{realtime.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	for n := 0; count <= 0 || n < count; n++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		if _, err := fmt.Fprintln(out, string(data)); err != nil {
			return err
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

func signIn(ctx context.Context, baseURL, launchData string) (*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/auth/launch", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(ingress.HeaderLaunchData, launchData)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("sign in: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	for _, c := range resp.Cookies() {
		if c.Value != "" {
			return &http.Cookie{Name: c.Name, Value: c.Value}, nil
		}
	}
	return nil, errors.New("sign in: no session cookie in response")
}
