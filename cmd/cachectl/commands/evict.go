package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEvictCommand() *cobra.Command {
	var targetBytes int64
	cmd := &cobra.Command{
		Use:   "evict <dir>",
		Short: "Run one foreground eviction pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			target := targetBytes
			if target == 0 {
				target = c.Stats().MaxCacheSize
			}
			before := c.Stats().TotalSize
			if err := c.EvictTo(lockTimeout, target); err != nil {
				return err
			}
			after := c.Stats().TotalSize
			fmt.Printf("freed %d bytes (%d -> %d)\n", before-after, before, after)
			return nil
		},
	}
	cmd.Flags().Int64Var(&targetBytes, "target-bytes", 0, "evict down to this many bytes (default: the cache's configured max size)")
	return cmd
}
