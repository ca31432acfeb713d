package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"duagent/internal/version"
)

var debugFlag bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent's build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.GetFullVersionString())
		return nil
	},
}
