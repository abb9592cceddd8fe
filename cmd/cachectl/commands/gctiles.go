package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGCTilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc-tiles <dir>",
		Short: "Report tile-partition invariant violations without mutating anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			violations, err := c.VerifyTilePartition()
			if err != nil {
				return err
			}
			if len(violations) == 0 {
				fmt.Println("no tile-partition violations found")
				return nil
			}
			for _, v := range violations {
				fmt.Println(v)
			}
			return fmt.Errorf("cachectl: %d tile-partition violation(s) found", len(violations))
		},
	}
	return cmd
}
