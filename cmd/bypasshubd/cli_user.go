package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newUserCommand(configPath *string, debug *bool) *cobra.Command {
	var add, del, force, resetTotalTraffic bool

	cmd := &cobra.Command{
		Use:   "user <username>...",
		Short: "Manage the users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, usernames []string) error {
			app, err := openApp(*configPath, *debug, true)
			if err != nil {
				return err
			}
			defer app.close()

			switch {
			case add:
				return cliAddUsers(app, usernames, force)
			case del:
				return cliDeleteUsers(app, usernames, force)
			case resetTotalTraffic:
				return cliResetTotalTraffic(app, usernames)
			default:
				return cmd.Help()
			}
		},
	}

	cmd.Flags().BoolVarP(&add, "add", "a", false, "Add a user")
	cmd.Flags().BoolVarP(&del, "delete", "d", false, "Delete a user")
	cmd.Flags().BoolVar(&force, "force", false, "Ignore failures to reflect the changes to the services and perform the action anyway")
	cmd.Flags().BoolVar(&resetTotalTraffic, "reset-total-traffic", false, "Reset the user's total traffic consumption")
	return cmd
}

func cliAddUsers(app *app, usernames []string, force bool) error {
	if app.reconciler == nil {
		return fmt.Errorf("no service is enabled for managing")
	}
	var failed bool
	for _, username := range usernames {
		creds, err := app.reconciler.AddUser(context.Background(), username, force)
		if err != nil {
			app.log.Errorw("failed to add user", "username", username, "error", err)
			failed = true
			if creds.Username == "" {
				continue
			}
		}
		fmt.Printf("%s@%s\n", creds.Username, creds.UUID)
	}
	if failed {
		return fmt.Errorf("one or more users failed")
	}
	return nil
}

func cliDeleteUsers(app *app, usernames []string, force bool) error {
	if app.reconciler == nil {
		return fmt.Errorf("no service is enabled for managing")
	}
	var failed bool
	for _, username := range usernames {
		if err := app.reconciler.DeleteUser(context.Background(), username, force); err != nil {
			app.log.Errorw("failed to delete user", "username", username, "error", err)
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more users failed")
	}
	return nil
}

func cliResetTotalTraffic(app *app, usernames []string) error {
	var failed bool
	for _, username := range usernames {
		if err := app.cat.ResetTotalTraffic(username); err != nil {
			app.log.Errorw("failed to reset total traffic", "username", username, "error", err)
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more users failed")
	}
	return nil
}
