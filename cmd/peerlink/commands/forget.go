package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgecli/peerlink/internal/ui"
)

// forgetCmd removes a pairing or a rejection
var forgetCmd = &cobra.Command{
	Use:   "forget <uuid>",
	Short: "Remove a pairing, or with --rejection lift a rejection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		rejection, _ := cmd.Flags().GetBool("rejection")

		auth, st, err := e.openAuth()
		if err != nil {
			return err
		}
		defer st.Close()

		id := args[0]
		if rejection {
			if !auth.ClearRejection(id) {
				return fmt.Errorf("%s is not rejected", id)
			}
			fmt.Println(ui.RenderSuccess("Rejection cleared for " + id))
			return nil
		}
		if !auth.Forget(id) {
			return fmt.Errorf("no pairing with %s", id)
		}
		fmt.Println(ui.RenderSuccess("Forgot " + id))
		return nil
	},
}

func init() {
	forgetCmd.Flags().Bool("rejection", false, "Clear rejection memory instead of a pairing")
}
