package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"duagent/internal/config"
	"duagent/pkg/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered extension handler update types",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		reg := registry.New(afero.NewOsFs(), cfg.ExtensionsDir, &registry.PluginLoader{})
		updateTypes, err := reg.List()
		if err != nil {
			return err
		}

		if len(updateTypes) == 0 {
			fmt.Println("no handlers registered")
			return nil
		}
		for _, ut := range updateTypes {
			fmt.Println(ut)
		}
		return nil
	},
}
