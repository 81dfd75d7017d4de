package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edgecli/peerlink/internal/approval"
	"github.com/edgecli/peerlink/internal/feed"
	"github.com/edgecli/peerlink/internal/node"
	"github.com/edgecli/peerlink/internal/ui"
)

// runCmd runs the node in the foreground
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node in the foreground",
	Long: `Run discovery, pairing, heartbeat and the relay listener until
interrupted. Pairing requests from other devices are shown as a prompt on
this terminal; without one, unknown peers are rejected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := node.Options{
			Config: e.cfg,
			Paths:  e.paths,
			Log:    e.log,
		}
		if ui.IsTerminal(os.Stdin) {
			opts.Decider = approval.NewTerminalDecider(os.Stdin, os.Stdout, e.cfg.DecisionTimeout.D())
		} else {
			e.log.Warn("stdin is not a terminal, pairing requests from unknown peers will be rejected")
		}

		var hub *feed.Hub
		if e.cfg.FeedAddr != "" {
			hub = feed.NewHub(e.log)
			opts.Consumer = hub
		}

		n, err := node.New(opts)
		if err != nil {
			return err
		}

		fmt.Print(ui.RenderBanner(ui.BannerOptions{
			Version:     Version,
			DisplayName: n.Identity().DisplayName,
			UUID:        n.Identity().UUID,
			ListenAddr:  net.JoinHostPort("0.0.0.0", strconv.Itoa(n.Port())),
			Stealth:     !e.cfg.DiscoveryEnabled,
			FeedAddr:    e.cfg.FeedAddr,
		}))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return n.Run(gctx) })
		if hub != nil {
			g.Go(func() error { return hub.Run(gctx) })
			g.Go(func() error { return hub.ListenAndServe(gctx, e.cfg.FeedAddr) })
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
