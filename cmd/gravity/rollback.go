package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/gravity-controller/internal/store"
)

var (
	rollbackDB      string
	rollbackVersion string

	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Point the active snapshot at an earlier version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(cmd.OutOrStdout(), rollbackDB, rollbackVersion)
		},
	}
)

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().StringVar(&rollbackDB, "db", envOr("GRAVITY_DB", ""), "path to gravity.db")
	rollbackCmd.Flags().StringVar(&rollbackVersion, "version", "", "version id to activate")
}

func runRollback(w io.Writer, dbPath, versionID string) error {
	if dbPath == "" || versionID == "" {
		return errors.New("usage: gravity rollback --db path/to/gravity.db --version id")
	}
	st, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	if err := st.Rollback(versionID); err != nil {
		return err
	}
	logger.Info("active snapshot changed", "version", versionID)
	fmt.Fprintf(w, "active snapshot: %s\n", versionID)
	return nil
}
