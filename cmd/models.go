package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/catalog"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/store"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage extraction models",
}

var modelsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load the model catalog into the database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			path = cfg.Catalog.Path
		}
		models, err := catalog.Load(path)
		if err != nil {
			return err
		}
		return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
			if err := catalog.Sync(cmd.Context(), st, models); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Synced %d model(s) from %s.\n", len(models), path)
			return nil
		})
	},
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction models",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAdmin(cmd.Context(), func(st store.Store, _ *ledger.Ledger) error {
			models, err := st.ListModels(cmd.Context())
			if err != nil {
				return eris.Wrap(err, "models list")
			}
			if len(models) == 0 {
				fmt.Fprintln(os.Stderr, "No models found. Run `docflow models sync`.")
				return nil
			}
			formatModels(os.Stdout, models)
			return nil
		})
	},
}

func init() {
	modelsSyncCmd.Flags().String("path", "", "catalog file (default from config)")
	modelsCmd.AddCommand(modelsSyncCmd, modelsListCmd)
	rootCmd.AddCommand(modelsCmd)
}
