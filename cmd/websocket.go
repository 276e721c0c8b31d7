// File: cmd/websocket.go
package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/asynchttp/internal/observability"
	"github.com/xkilldash9x/asynchttp/pkg/customhttp"
)

const frameQueueSize = 256

type frameView struct {
	OpCode  string `json:"opcode"`
	Fin     bool   `json:"fin"`
	Payload string `json:"payload"`
}

func opName(op ws.OpCode) string {
	switch op {
	case ws.OpContinuation:
		return "continuation"
	case ws.OpText:
		return "text"
	case ws.OpBinary:
		return "binary"
	case ws.OpClose:
		return "close"
	case ws.OpPing:
		return "ping"
	case ws.OpPong:
		return "pong"
	default:
		return fmt.Sprintf("0x%x", byte(op))
	}
}

func newWebSocketCmd() *cobra.Command {
	opts := &requestOptions{}
	var (
		messages []string
		binary   bool
		count    int
		wait     time.Duration
	)
	wsCmd := &cobra.Command{
		Use:   "ws <url>",
		Short: "Upgrades to a WebSocket, sends messages and prints the frames received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			client, uri, err := newClient(ctx, args[0])
			if err != nil {
				return err
			}
			defer client.Close()

			// Frame callbacks run on the event loop and must not block.
			frames := make(chan ws.Frame, frameQueueSize)
			closed := make(chan struct{})
			var onFrame customhttp.FrameFunc = func(f ws.Frame) {
				select {
				case frames <- f:
				default:
					logger.Warn("Frame queue full, dropping frame", zap.Int("length", len(f.Payload)))
				}
			}
			onClose := func() { close(closed) }

			req, err := customhttp.NewWebSocketRequest(uri)
			if err != nil {
				return err
			}
			if err := opts.apply(req); err != nil {
				return err
			}
			if err := proxyHost(ctx, req, args[0]); err != nil {
				return err
			}
			resp, err := client.UpgradeRequest(ctx, req, onFrame, onClose)
			if err != nil {
				return err
			}
			if opts.include {
				if err := writeResponse(cmd.OutOrStdout(), resp, &requestOptions{include: true}); err != nil {
					return err
				}
			}

			op := ws.OpText
			if binary {
				op = ws.OpBinary
			}
			for _, m := range messages {
				if err := client.Push(ctx, []byte(m), op); err != nil {
					return err
				}
			}

			if count == 0 {
				count = len(messages)
			}
			var timeout <-chan time.Time
			if wait > 0 {
				timer := time.NewTimer(wait)
				defer timer.Stop()
				timeout = timer.C
			}
			for received := 0; count < 0 || received < count; received++ {
				select {
				case f := <-frames:
					if err := writeFrame(cmd.OutOrStdout(), f, opts.jsonOut); err != nil {
						return err
					}
				case <-closed:
					logger.Debug("WebSocket closed by peer")
					return nil
				case <-timeout:
					return fmt.Errorf("timed out after %s waiting for frames (%d of %d received)", wait, received, count)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	}
	wsCmd.Flags().StringArrayVarP(&messages, "message", "m", nil, "message to send after the handshake (repeatable)")
	wsCmd.Flags().BoolVar(&binary, "binary", false, "send messages as binary frames")
	wsCmd.Flags().IntVarP(&count, "count", "n", 0, "frames to wait for, defaults to the number of messages, -1 waits until closed")
	wsCmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for frames, 0 waits forever")
	addClientFlags(wsCmd, opts)
	return wsCmd
}

func writeFrame(w io.Writer, f ws.Frame, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(frameView{
			OpCode:  opName(f.Header.OpCode),
			Fin:     f.Header.Fin,
			Payload: string(f.Payload),
		})
	}
	_, err := fmt.Fprintf(w, "%s\n", f.Payload)
	return err
}
