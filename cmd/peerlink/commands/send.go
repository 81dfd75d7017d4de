package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgecli/peerlink/internal/node"
	"github.com/edgecli/peerlink/internal/payload"
	"github.com/edgecli/peerlink/internal/ui"
)

// sendCmd relays one notification
var sendCmd = &cobra.Command{
	Use:   "send <uuid|all> <title> [text]",
	Short: "Send a notification to a paired device",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		pkg, _ := cmd.Flags().GetString("package")
		wait, _ := cmd.Flags().GetDuration("wait")

		target := args[0]
		if target == "all" {
			target = ""
		}
		nt := payload.Notification{PackageName: pkg, AppName: "peerlink", Title: args[1]}
		if len(args) == 3 {
			nt.Text = args[2]
		}

		return withNode(cmd.Context(), e, func(ctx context.Context, n *node.Node) error {
			if err := n.SendNotification(target, nt); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()

			for {
				s := n.SendStats()
				if s.Delivered+s.Dropped >= s.Submitted {
					if s.Dropped > 0 {
						return fmt.Errorf("%d of %d deliveries failed", s.Dropped, s.Submitted)
					}
					fmt.Println(ui.RenderSuccess(fmt.Sprintf("Delivered to %d peer(s)", s.Delivered)))
					return nil
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("timed out waiting for delivery")
				case <-ticker.C:
				}
			}
		})
	},
}

func init() {
	sendCmd.Flags().String("package", "peerlink.cli", "Package name the notification claims to come from")
	sendCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for delivery")
}
