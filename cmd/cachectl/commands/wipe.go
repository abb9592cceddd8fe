package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWipeCommand() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "wipe <dir>",
		Short: "Truncate every ToC and tile file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("cachectl: wipe requires --yes")
			}
			c, err := openCache(args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.WipeAll(); err != nil {
				return err
			}
			fmt.Println("wiped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the wipe")
	return cmd
}
