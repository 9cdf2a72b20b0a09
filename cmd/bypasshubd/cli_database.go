package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newDatabaseCommand(configPath *string, debug *bool) *cobra.Command {
	var sync, dump bool
	var backup string

	cmd := &cobra.Command{
		Use:   "database",
		Short: "Manage the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(*configPath, *debug, true)
			if err != nil {
				return err
			}
			defer app.close()

			switch {
			case sync:
				if app.reconciler == nil {
					return fmt.Errorf("no service is enabled for managing")
				}
				changed, err := app.reconciler.Sync(context.Background())
				if err != nil {
					return err
				}
				fmt.Println(changed)
			case dump:
				snap, err := app.cat.Dump()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			case cmd.Flags().Changed("backup"):
				dir := app.cfg.Main.TempPath + "/backup"
				return app.cat.Backup(dir, strings.TrimSpace(backup))
			default:
				return cmd.Help()
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&sync, "sync", "s", false, "Manually synchronize the services with the database")
	cmd.Flags().BoolVarP(&dump, "dump", "d", false, "Dump the database as JSON to stdout")
	cmd.Flags().StringVarP(&backup, "backup", "b", "", "Generate and store a database backup")
	cmd.Flags().Lookup("backup").NoOptDefVal = " "
	return cmd
}
