package cli

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"openbloom-market/internal/alerting"
)

var (
	alertSymbol    string
	alertStatus    string
	alertCondition string
	alertThreshold string
	alertEnabled   bool
	alertOneShot   bool
	alertRepeating bool
	alertCooldown  int
	alertSource    string

	eventsSymbol  string
	eventsAlertID int64
	eventsAfterID int64
	eventsLimit   int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage price alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), alertSymbol, alerting.Status(alertStatus), outputJSON)
	},
}

var alertsCreateCmd = &cobra.Command{
	Use:   "create SYMBOL",
	Short: "Create an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := parseThreshold(alertThreshold)
		if err != nil {
			return err
		}
		in := alerting.CreateInput{
			Symbol:    args[0],
			Condition: alerting.Condition(alertCondition),
			Threshold: threshold,
			OneShot:   alertOneShot,
			Source:    alertSource,
		}
		flags := cmd.Flags()
		if flags.Changed("enabled") {
			in.Enabled = &alertEnabled
		}
		if flags.Changed("repeating") {
			in.Repeating = &alertRepeating
		}
		if flags.Changed("cooldown") {
			in.CooldownSeconds = &alertCooldown
		}
		return getApp().CreateAlert(cmd.Context(), in)
	},
}

var alertsUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Update the fields given as flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		var in alerting.UpdateInput
		flags := cmd.Flags()
		if flags.Changed("symbol") {
			in.Symbol = &alertSymbol
		}
		if flags.Changed("condition") {
			c := alerting.Condition(alertCondition)
			in.Condition = &c
		}
		if flags.Changed("threshold") {
			threshold, err := parseThreshold(alertThreshold)
			if err != nil {
				return err
			}
			in.Threshold = &threshold
		}
		if flags.Changed("enabled") {
			in.Enabled = &alertEnabled
		}
		if flags.Changed("one-shot") {
			in.OneShot = &alertOneShot
		}
		if flags.Changed("repeating") {
			in.Repeating = &alertRepeating
		}
		if flags.Changed("cooldown") {
			in.CooldownSeconds = &alertCooldown
		}
		if flags.Changed("source") {
			in.Source = &alertSource
		}
		return getApp().UpdateAlert(cmd.Context(), id, in)
	},
}

var alertsDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an alert; its trigger events are kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return getApp().DeleteAlert(cmd.Context(), id)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Page through alert trigger events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := alerting.EventQuery{Symbol: eventsSymbol, AlertID: eventsAlertID, Limit: eventsLimit}
		if cmd.Flags().Changed("after-id") {
			q.AfterID = &eventsAfterID
		}
		return getApp().Events(cmd.Context(), q, outputJSON)
	},
}

func parseThreshold(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, &alerting.ValidationError{Field: "threshold", Message: "is required"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &alerting.ValidationError{Field: "threshold", Message: fmt.Sprintf("invalid number %q", raw)}
	}
	return d, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid alert id %q", raw)
	}
	return id, nil
}

func init() {
	alertsListCmd.Flags().StringVar(&alertSymbol, "symbol", "", "Filter by symbol (any alias form)")
	alertsListCmd.Flags().StringVar(&alertStatus, "status", "", "Filter by status: active or inactive")
	alertsListCmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON instead of a table")

	for _, cmd := range []*cobra.Command{alertsCreateCmd, alertsUpdateCmd} {
		cmd.Flags().StringVar(&alertCondition, "condition", "", "price_above, price_below, crosses_above, crosses_below, percent_move_up or percent_move_down")
		cmd.Flags().StringVar(&alertThreshold, "threshold", "", "Price level, or percent for percent_move conditions")
		cmd.Flags().BoolVar(&alertEnabled, "enabled", true, "Whether the alert is evaluated")
		cmd.Flags().BoolVar(&alertOneShot, "one-shot", false, "Disable the alert after it fires once")
		cmd.Flags().BoolVar(&alertRepeating, "repeating", false, "Keep the alert enabled after it fires (inverse of --one-shot)")
		cmd.Flags().IntVar(&alertCooldown, "cooldown", 0, "Seconds between repeated firings (defaults to config)")
		cmd.Flags().StringVar(&alertSource, "source", "", "Free-form origin label (defaults to manual)")
	}
	alertsUpdateCmd.Flags().StringVar(&alertSymbol, "symbol", "", "New symbol")

	alertsCmd.AddCommand(alertsListCmd, alertsCreateCmd, alertsUpdateCmd, alertsDeleteCmd)

	eventsCmd.Flags().StringVar(&eventsSymbol, "symbol", "", "Filter by symbol")
	eventsCmd.Flags().Int64Var(&eventsAlertID, "alert-id", 0, "Filter by alert id")
	eventsCmd.Flags().Int64Var(&eventsAfterID, "after-id", 0, "Return events with a larger id, oldest first")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "Page size, 1..200 (default 50)")
	eventsCmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON instead of a table")
}
