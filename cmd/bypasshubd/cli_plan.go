package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bypasshub/control-plane/internal/catalogtypes"
	"github.com/bypasshub/control-plane/internal/statetable"
)

// parseDate accepts either a Unix-seconds timestamp or an RFC 3339 date.
func parseDate(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: must be ISO 8601 or a Unix timestamp", value)
	}
	return t.UTC(), nil
}

func newPlanCommand(configPath *string, debug *bool) *cobra.Command {
	var (
		startDate            string
		duration             int64
		traffic              int64
		extraTraffic         int64
		resetExtraTraffic    bool
		preserveTrafficUsage bool
	)

	cmd := &cobra.Command{
		Use:   "plan <username>...",
		Short: "Update the user's plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, usernames []string) error {
			app, err := openApp(*configPath, *debug, true)
			if err != nil {
				return err
			}
			defer app.close()

			params := catalogtypes.SetPlanParams{PreserveTrafficUsage: preserveTrafficUsage}
			if startDate != "" {
				t, err := parseDate(startDate)
				if err != nil {
					return err
				}
				params.StartDate = &t
			}
			if duration > 0 {
				d := time.Duration(duration) * time.Second
				params.Duration = &d
			}
			if traffic > 0 {
				params.Traffic = &traffic
			}

			var failed bool
			for _, username := range usernames {
				hadActivePlan, err := app.cat.HasActivePlan(username)
				if err != nil {
					app.log.Errorw("failed to read plan state", "username", username, "error", err)
					failed = true
					continue
				}

				setExtraTraffic := cmd.Flags().Changed("extra-traffic") || resetExtraTraffic
				skipPlanUpdate := setExtraTraffic &&
					startDate == "" && duration == 0 && traffic == 0 && !preserveTrafficUsage
				if !skipPlanUpdate {
					if err := app.cat.SetPlan(username, params); err != nil {
						app.log.Errorw("failed to update plan", "username", username, "error", err)
						failed = true
						continue
					}
				}
				if setExtraTraffic {
					var extra *int64
					if !resetExtraTraffic {
						extra = &extraTraffic
					}
					if err := app.cat.SetPlanExtraTraffic(username, nil, extra); err != nil {
						app.log.Errorw("failed to update extra traffic", "username", username, "error", err)
						failed = true
						continue
					}
				}

				hasActivePlan, err := app.cat.HasActivePlan(username)
				if err != nil {
					app.log.Errorw("failed to read plan state", "username", username, "error", err)
					failed = true
					continue
				}
				if app.reconciler == nil {
					continue
				}
				switch {
				case hadActivePlan && !hasActivePlan:
					if err := app.reconciler.Delete(context.Background(), username, statetable.ReasonExpiredPlan, false, true); err != nil {
						app.log.Errorw("failed to reflect expired plan", "username", username, "error", err)
						failed = true
					}
				case !hadActivePlan && hasActivePlan:
					if err := app.reconciler.Add(context.Background(), username, mustCreds(app, username), statetable.ReasonUpdatedPlan, true); err != nil {
						app.log.Errorw("failed to reflect updated plan", "username", username, "error", err)
						failed = true
					}
				}
			}
			if failed {
				return fmt.Errorf("one or more users failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&startDate, "start-date", "s", "", "Plan start date, ISO 8601 or Unix timestamp")
	cmd.Flags().Int64VarP(&duration, "duration", "d", 0, "Plan duration in seconds")
	cmd.Flags().Int64VarP(&traffic, "traffic", "t", 0, "Plan traffic limit in bytes")
	cmd.Flags().Int64VarP(&extraTraffic, "extra-traffic", "e", 0, "Plan extra traffic limit in bytes")
	cmd.Flags().BoolVar(&resetExtraTraffic, "reset-extra-traffic", false, "Reset the extra traffic limit")
	cmd.Flags().BoolVar(&preserveTrafficUsage, "preserve-traffic", false, "Do not reset the recorded traffic usage from the previous plan")
	return cmd
}

func mustCreds(app *app, username string) catalogtypes.Credentials {
	creds, err := app.cat.GetCredentials(username)
	if err != nil {
		return catalogtypes.Credentials{Username: username}
	}
	return creds
}

func newReservedPlanCommand(configPath *string, debug *bool) *cobra.Command {
	var (
		duration int64
		traffic  int64
		remove   bool
	)

	cmd := &cobra.Command{
		Use:   "reserved-plan <username>...",
		Short: "Update the user's reserved plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, usernames []string) error {
			app, err := openApp(*configPath, *debug, true)
			if err != nil {
				return err
			}
			defer app.close()

			var failed bool
			for _, username := range usernames {
				var err error
				switch {
				case remove:
					err = app.cat.UnsetReservedPlan(username)
				default:
					var d *time.Duration
					if duration > 0 {
						v := time.Duration(duration) * time.Second
						d = &v
					}
					var t *int64
					if traffic > 0 {
						t = &traffic
					}
					err = app.cat.SetReservedPlan(username, nil, d, t)
				}
				if err != nil {
					app.log.Errorw("failed to update reserved plan", "username", username, "error", err)
					failed = true
				}
			}
			if failed {
				return fmt.Errorf("one or more users failed")
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&duration, "duration", "d", 0, "Reserved plan duration in seconds")
	cmd.Flags().Int64VarP(&traffic, "traffic", "t", 0, "Reserved plan traffic limit in bytes")
	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the reserved plan")
	return cmd
}
