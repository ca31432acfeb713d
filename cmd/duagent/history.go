package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"duagent/internal/config"
	"duagent/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history <workflow-id>",
	Short: "List every recorded state transition for a workflow id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		db, err := history.Open(cfg.HistoryDBPath())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}

		rec := history.NewRecorder(db)
		entries, err := rec.ListForWorkflow(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("no history recorded for workflow %q\n", args[0])
			return nil
		}

		for _, e := range entries {
			code := "-"
			if e.ResultCode != nil {
				code = fmt.Sprintf("%d", *e.ResultCode)
			}
			fmt.Printf("%s  %-20s code=%-4s %s\n", e.RecordedAt, e.State, code, e.Details)
		}
		return nil
	},
}
