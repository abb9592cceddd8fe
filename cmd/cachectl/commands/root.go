package commands

import (
	"time"

	"github.com/render-cache/rcache"
	"github.com/spf13/cobra"
)

var (
	appName     string
	cacheName   string
	lockTimeout time.Duration
)

// Root builds the cachectl command tree.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cachectl",
		Short: "Inspect and maintain an rcache directory",
	}

	cmd.PersistentFlags().StringVar(&appName, "app", "Render", "AppName used for the control segment file name")
	cmd.PersistentFlags().StringVar(&cacheName, "cache", "Frame", "CacheName used for the control segment file name")
	cmd.PersistentFlags().DurationVar(&lockTimeout, "lock-timeout", 10*time.Second, "timeout for every lock acquisition")

	cmd.AddCommand(newStatsCommand(), newEvictCommand(), newWipeCommand(), newGCTilesCommand())
	return cmd
}

func openCache(dir string) (*rcache.Cache, error) {
	opts := rcache.DefaultOptions()
	opts.Dir = dir
	opts.AppName = appName
	opts.CacheName = cacheName
	opts.LockTimeout = lockTimeout
	return rcache.NewCache(opts)
}
