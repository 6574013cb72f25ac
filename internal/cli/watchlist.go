package cli

import (
	"github.com/spf13/cobra"

	"openbloom-market/internal/watchlist"
)

var (
	watchAlertDirection string
	watchAlertTarget    string
	watchAlertEnabled   bool
	watchAlertOneShot   bool
	watchAlertCooldown  int
)

var watchlistCmd = &cobra.Command{
	Use:   "watchlist",
	Short: "Manage the watchlist and its linked alerts",
}

var watchlistShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show every item with its intraday quote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watchlist(cmd.Context(), outputJSON)
	},
}

var watchlistAddCmd = &cobra.Command{
	Use:   "add SYMBOL",
	Short: "Append a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().WatchlistAdd(cmd.Context(), args[0])
	},
}

var watchlistRemoveCmd = &cobra.Command{
	Use:   "remove ID|SYMBOL",
	Short: "Remove an item and its linked alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().WatchlistRemove(cmd.Context(), args[0])
	},
}

var watchlistReorderCmd = &cobra.Command{
	Use:   "reorder ID...",
	Short: "Move the given items to the front, in order",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, raw := range args {
			id, err := parseID(raw)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return getApp().WatchlistReorder(cmd.Context(), ids)
	},
}

var watchlistAlertCmd = &cobra.Command{
	Use:   "alert ID",
	Short: "Create or update the alert linked to an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		in := watchlist.AlertInput{
			Direction: watchAlertDirection,
			Enabled:   watchAlertEnabled,
			OneShot:   watchAlertOneShot,
		}
		flags := cmd.Flags()
		if flags.Changed("target") {
			target, err := parseThreshold(watchAlertTarget)
			if err != nil {
				return err
			}
			in.TargetPrice = &target
		}
		if flags.Changed("cooldown") {
			in.CooldownSeconds = &watchAlertCooldown
		}
		return getApp().WatchlistSetAlert(cmd.Context(), id, in)
	},
}

var watchlistUnalertCmd = &cobra.Command{
	Use:   "unalert ID",
	Short: "Delete the alert linked to an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return getApp().WatchlistDeleteAlert(cmd.Context(), id)
	},
}

func init() {
	watchlistShowCmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON instead of a table")

	watchlistAlertCmd.Flags().StringVar(&watchAlertDirection, "direction", watchlist.DirectionAbove, "above or below")
	watchlistAlertCmd.Flags().StringVar(&watchAlertTarget, "target", "", "Target price; required for a new alert")
	watchlistAlertCmd.Flags().BoolVar(&watchAlertEnabled, "enabled", true, "Whether the alert is evaluated")
	watchlistAlertCmd.Flags().BoolVar(&watchAlertOneShot, "one-shot", false, "Disable the alert after it fires once")
	watchlistAlertCmd.Flags().IntVar(&watchAlertCooldown, "cooldown", 0, "Seconds between repeated firings (defaults to config)")

	watchlistCmd.AddCommand(watchlistShowCmd, watchlistAddCmd, watchlistRemoveCmd, watchlistReorderCmd, watchlistAlertCmd, watchlistUnalertCmd)
}
