package commands

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgecli/peerlink/internal/ui"
)

// peersCmd lists stored pairings
var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List paired and rejected peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		auth, st, err := e.openAuth()
		if err != nil {
			return err
		}
		defer st.Close()

		snap := auth.Snapshot()
		rows := make([]ui.PeerRow, 0, len(snap.Records)+len(snap.Rejected))
		for _, r := range snap.Records {
			addr := "-"
			if r.LastIP != "" {
				addr = net.JoinHostPort(r.LastIP, strconv.Itoa(r.LastPort))
			}
			rows = append(rows, ui.PeerRow{Name: r.DisplayName, UUID: r.UUID, Addr: addr, State: "paired"})
		}
		for _, id := range snap.Rejected {
			rows = append(rows, ui.PeerRow{Name: "-", UUID: id, Addr: "-", State: "rejected"})
		}

		fmt.Print(ui.RenderPeerTable(rows))
		return nil
	},
}
