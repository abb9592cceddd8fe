package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "stats <dir>",
		Short: "Report cache occupancy and hit/miss counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			st := c.Stats()
			fmt.Printf("total size:   %d bytes\n", st.TotalSize)
			fmt.Printf("max size:     %d bytes\n", st.MaxCacheSize)
			fmt.Printf("hits/misses:  %d/%d\n", st.Hits, st.Misses)
			if !verbose {
				return nil
			}
			for _, sh := range st.Shards {
				if sh.Size == 0 && sh.FreeTiles == 0 {
					continue
				}
				fmt.Printf("shard %3d: size=%d free_tiles=%d\n", sh.Index, sh.Size, sh.FreeTiles)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every non-empty shard")
	return cmd
}
