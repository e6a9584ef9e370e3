// clientCmd is a small demo proxy invoker: it dials a running trebuchetd
// server directly over the framed TCP transport, sends a single Invocation
// envelope targeting the echo actor's greet method, and prints the decoded
// response. It exists to exercise the unary round-trip end to end without
// pulling in the full actor.System/Pool machinery a real caller would use;
// those multiplex many outstanding calls over pooled connections, which is
// more than a one-shot demo needs.
package main

import (
	"fmt"
	"net"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

func clientCmd() *cli.Command {
	return &cli.Command{
		Name:    "client",
		Aliases: []string{"c"},
		Usage:   "Invoke the echo actor's greet method against a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Server host:port",
				Value: "127.0.0.1:7070",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Name to greet",
				Value: "world",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Round-trip deadline",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			addr := c.String("addr")
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return fmt.Errorf("parse addr: %w", err)
			}
			var port uint16
			if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
				return fmt.Errorf("parse port: %w", err)
			}

			conn, err := net.DialTimeout("tcp", addr, c.Duration("timeout"))
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			_ = conn.SetDeadline(time.Now().Add(c.Duration("timeout")))

			target := actorid.New("echo", host, port)
			req := wire.NewInvocation(target, "greet", nil, [][]byte{[]byte(c.String("name"))})
			if err := wire.WriteEnvelope(conn, req); err != nil {
				return fmt.Errorf("send invocation: %w", err)
			}

			resp, err := wire.ReadEnvelope(conn)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if resp.ErrorMessage != "" {
				return fmt.Errorf("server error: %s", resp.ErrorMessage)
			}

			fmt.Println(string(resp.Result))
			return nil
		},
	}
}
