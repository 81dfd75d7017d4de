package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgecli/peerlink/internal/handshake"
	"github.com/edgecli/peerlink/internal/node"
	"github.com/edgecli/peerlink/internal/ui"
)

// pairCmd pairs with a remote device
var pairCmd = &cobra.Command{
	Use:   "pair <host[:port]>",
	Short: "Pair with a device",
	Long: `Send a pairing request to a device and wait for its user to decide.

This starts a short-lived node on the configured port, so stop a running
"peerlink run" first or pass a different --port.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		host, port, err := splitTarget(args[0], e.cfg.TCPPort)
		if err != nil {
			return err
		}

		return withNode(cmd.Context(), e, func(ctx context.Context, n *node.Node) error {
			spin := ui.NewSpinner(os.Stdout, fmt.Sprintf("Waiting for %s to accept...", host))
			spin.Start()
			rec, err := n.Pair(ctx, host, port)
			spin.Stop()

			switch {
			case errors.Is(err, handshake.ErrRejected):
				return fmt.Errorf("%s rejected the pairing", host)
			case err != nil:
				return err
			}
			fmt.Println(ui.RenderSuccess(fmt.Sprintf("Paired with %s (%s)", rec.DisplayName, rec.UUID)))
			return nil
		})
	},
}

// splitTarget parses host or host:port.
func splitTarget(target string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// withNode runs a node without discovery for the duration of fn.
func withNode(parent context.Context, e *env, fn func(ctx context.Context, n *node.Node) error) error {
	n, err := node.New(node.Options{Config: e.cfg, Paths: e.paths, Log: e.log, DisableDiscovery: true})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	fnErr := fn(ctx, n)
	cancel()
	if err := <-done; err != nil && fnErr == nil {
		return err
	}
	return fnErr
}
