package cli

import (
	"time"

	"github.com/spf13/cobra"

	"openbloom-market/internal/app"
)

var (
	outputJSON    bool
	watchInterval time.Duration
	watchCount    int
	intradayWatch bool
)

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Pull the market overview once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Overview(cmd.Context(), outputJSON)
	},
}

var intradayCmd = &cobra.Command{
	Use:   "intraday SYMBOL",
	Short: "Show a symbol's intraday quote and session points",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if intradayWatch {
			return getApp().Watch(cmd.Context(), app.WatchOptions{
				Symbol:   args[0],
				Interval: watchInterval,
				Count:    watchCount,
			})
		}
		return getApp().Intraday(cmd.Context(), args[0], outputJSON)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every section and print provider health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Health(cmd.Context(), outputJSON)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{overviewCmd, intradayCmd, healthCmd} {
		cmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON instead of a table")
	}
	intradayCmd.Flags().BoolVar(&intradayWatch, "watch", false, "Keep polling and print every update")
	intradayCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Poll interval for --watch (defaults to stream.push_interval)")
	intradayCmd.Flags().IntVar(&watchCount, "count", 0, "Stop --watch after this many updates (0 = until interrupted)")
}
