package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgecli/peerlink/internal/identity"
	"github.com/edgecli/peerlink/internal/secure"
)

// idCmd prints the local identity
var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Show this device's identity",
	Long: `Show the uuid, display name and key fingerprint of this device. The
fingerprint is what a peer sees on its pairing prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		id, err := identity.LoadOrCreate(e.paths.IdentityFile, e.cfg.DisplayName)
		if err != nil {
			return err
		}

		fmt.Printf("  Name:        %s\n", id.DisplayName)
		fmt.Printf("  UUID:        %s\n", id.UUID)
		fmt.Printf("  Fingerprint: %s\n", secure.Fingerprint(id.KeyMaterial()))
		return nil
	},
}
