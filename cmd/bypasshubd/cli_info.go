package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bypasshub/control-plane/internal/subscription"
)

func newInfoCommand(configPath *string, debug *bool) *cobra.Command {
	var (
		users                  bool
		capacity               bool
		activeCapacity         bool
		credentials            string
		plan                   string
		reservedPlan           string
		planHistory            []string
		totalTraffic           string
		latestActivity         string
		latestActivities       string
		isExist                string
		hasActivePlan          string
		hasActivePlanTime      string
		hasActivePlanTraffic   string
		hasUnlimitedTime       string
		hasUnlimitedTraffic    string
		hasNoCapacity          bool
		hasNoActiveCapacity    bool
		subscriptionUsername   string
	)

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Get the users' info",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(*configPath, *debug, true)
			if err != nil {
				return err
			}
			defer app.close()

			switch {
			case users:
				usernames, err := app.cat.Usernames()
				if err != nil {
					return err
				}
				for _, u := range usernames {
					fmt.Println(u)
				}
			case capacity:
				usernames, err := app.cat.Usernames()
				if err != nil {
					return err
				}
				fmt.Println(len(usernames))
			case activeCapacity:
				usernames, err := app.cat.Usernames()
				if err != nil {
					return err
				}
				count := 0
				for _, u := range usernames {
					active, err := app.cat.HasActivePlan(u)
					if err != nil {
						return err
					}
					if active {
						count++
					}
				}
				fmt.Println(count)
			case credentials != "":
				creds, err := app.cat.GetCredentials(credentials)
				if err != nil {
					return err
				}
				fmt.Printf("%s@%s\n", creds.Username, creds.UUID)
			case plan != "":
				p, err := app.cat.GetPlan(plan)
				if err != nil {
					return err
				}
				fmt.Printf("%+v\n", p)
			case reservedPlan != "":
				p, err := app.cat.GetReservedPlan(reservedPlan)
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Println("none")
				} else {
					fmt.Printf("%+v\n", *p)
				}
			case len(planHistory) > 0:
				username := planHistory[0]
				var id *int64
				if len(planHistory) > 1 {
					v, err := strconv.ParseInt(planHistory[1], 10, 64)
					if err != nil {
						return fmt.Errorf("invalid history id %q", planHistory[1])
					}
					id = &v
				}
				entries, err := app.cat.PlanHistory(username, id)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("%+v\n", e)
				}
			case totalTraffic != "":
				t, err := app.cat.GetTotalTraffic(totalTraffic)
				if err != nil {
					return err
				}
				fmt.Println(t.Total())
			case latestActivity != "":
				t, err := app.cat.GetLatestActivity(latestActivity)
				if err != nil {
					return err
				}
				if t == nil {
					fmt.Println("never")
				} else {
					fmt.Println(t.Format(time.RFC3339))
				}
			case cmd.Flags().Changed("latest-activities"):
				var from *time.Time
				if value := strings.TrimSpace(latestActivities); value != "" {
					t, err := parseDate(value)
					if err != nil {
						return err
					}
					from = &t
				}
				activities, err := app.cat.GetLatestActivities(from)
				if err != nil {
					return err
				}
				for username, t := range activities {
					fmt.Printf("%s %s\n", username, t.Format(time.RFC3339))
				}
			case isExist != "":
				exists, err := app.cat.IsExist(isExist)
				if err != nil {
					return err
				}
				fmt.Println(exists)
			case hasActivePlan != "":
				active, err := app.cat.HasActivePlan(hasActivePlan)
				if err != nil {
					return err
				}
				fmt.Println(active)
			case hasActivePlanTime != "":
				p, err := app.cat.GetPlan(hasActivePlanTime)
				if err != nil {
					return err
				}
				fmt.Println(p.HasTime(time.Now().UTC()))
			case hasActivePlanTraffic != "":
				p, err := app.cat.GetPlan(hasActivePlanTraffic)
				if err != nil {
					return err
				}
				fmt.Println(p.HasTraffic())
			case hasUnlimitedTime != "":
				p, err := app.cat.GetPlan(hasUnlimitedTime)
				if err != nil {
					return err
				}
				fmt.Println(p.UnlimitedTime())
			case hasUnlimitedTraffic != "":
				p, err := app.cat.GetPlan(hasUnlimitedTraffic)
				if err != nil {
					return err
				}
				fmt.Println(p.UnlimitedTraffic())
			case hasNoCapacity:
				usernames, err := app.cat.Usernames()
				if err != nil {
					return err
				}
				fmt.Println(app.cfg.Main.MaxUsers > 0 && len(usernames) >= app.cfg.Main.MaxUsers)
			case hasNoActiveCapacity:
				usernames, err := app.cat.Usernames()
				if err != nil {
					return err
				}
				count := 0
				for _, u := range usernames {
					active, err := app.cat.HasActivePlan(u)
					if err != nil {
						return err
					}
					if active {
						count++
					}
				}
				fmt.Println(app.cfg.Main.MaxActiveUsers > 0 && count >= app.cfg.Main.MaxActiveUsers)
			case subscriptionUsername != "":
				creds, err := app.cat.GetCredentials(subscriptionUsername)
				if err != nil {
					return err
				}
				fmt.Println(subscription.FormatProxyURL(creds.UUID, app.cfg.Main.ProxyDomain, 443, app.cfg.Main.ProxyDomain))
			default:
				return cmd.Help()
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&users, "users", "u", false, "Show all the users")
	flags.BoolVarP(&capacity, "capacity", "c", false, "Show count of all the users")
	flags.BoolVarP(&activeCapacity, "active-capacity", "a", false, "Show count of users with an active plan")
	flags.StringVar(&credentials, "credentials", "", "Show the user's credentials")
	flags.StringVar(&plan, "plan", "", "Show the user's plan")
	flags.StringVar(&reservedPlan, "reserved-plan", "", "Show the user's reserved plan")
	flags.StringSliceVar(&planHistory, "plan-history", nil, "Show the user's plan history (username [id])")
	flags.StringVar(&totalTraffic, "total-traffic", "", "Show the user's total traffic consumption")
	flags.StringVar(&latestActivity, "latest-activity", "", "Show the user's latest activity date")
	flags.StringVar(&latestActivities, "latest-activities", "", "Show latest activity of all users, optionally filtered by date")
	flags.Lookup("latest-activities").NoOptDefVal = " "
	flags.StringVar(&isExist, "is-exist", "", "Show whether the user exists")
	flags.StringVar(&hasActivePlan, "has-active-plan", "", "Show whether the user has an active plan")
	flags.StringVar(&hasActivePlanTime, "has-active-plan-time", "", "Show whether the user's plan has remaining time")
	flags.StringVar(&hasActivePlanTraffic, "has-active-plan-traffic", "", "Show whether the user's plan has remaining traffic")
	flags.StringVar(&hasUnlimitedTime, "has-unlimited-time", "", "Show whether the user has an unrestricted time plan")
	flags.StringVar(&hasUnlimitedTraffic, "has-unlimited-traffic", "", "Show whether the user has an unrestricted traffic plan")
	flags.BoolVar(&hasNoCapacity, "has-no-capacity", false, "Show whether the user count reached the capacity limit")
	flags.BoolVar(&hasNoActiveCapacity, "has-no-active-capacity", false, "Show whether the active user count reached the capacity limit")
	flags.StringVar(&subscriptionUsername, "subscription", "", "Generate proxy config URL for the user")

	return cmd
}
