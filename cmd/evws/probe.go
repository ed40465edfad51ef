package main

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var (
		count    int
		message  string
		timeout  time.Duration
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Send messages to an echo server and report round trips",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dialer := websocket.Dialer{
				HandshakeTimeout: timeout,
				TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // opt-in via --insecure
			}
			c, resp, err := dialer.DialContext(cmd.Context(), args[0], nil)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("dial %s: %w (status %d)", args[0], err, resp.StatusCode)
				}
				return fmt.Errorf("dial %s: %w", args[0], err)
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			var total time.Duration
			for i := 0; i < count; i++ {
				start := time.Now()
				_ = c.SetWriteDeadline(start.Add(timeout))
				if err := c.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
					return fmt.Errorf("write: %w", err)
				}
				_ = c.SetReadDeadline(start.Add(timeout))
				_, p, err := c.ReadMessage()
				if err != nil {
					return fmt.Errorf("read: %w", err)
				}
				if string(p) != message {
					return fmt.Errorf("echo mismatch: got %q", p)
				}
				rtt := time.Since(start)
				total += rtt
				fmt.Fprintf(out, "seq=%d bytes=%d rtt=%s\n", i, len(p), rtt)
			}
			if count > 0 {
				fmt.Fprintf(out, "%d round trips, avg %s\n", count, total/time.Duration(count))
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done")
			return c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 3, "number of messages")
	cmd.Flags().StringVarP(&message, "message", "m", "ping", "message text")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-message timeout")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	return cmd
}
