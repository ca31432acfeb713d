package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"duagent/internal/config"
	"duagent/pkg/registry"
)

var (
	registerContractMajor int
	registerContractMinor int
)

var registerCmd = &cobra.Command{
	Use:   "register <updateType> <version> <pluginPath>",
	Short: "Register an extension handler plugin under an update type",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		reg := registry.New(afero.NewOsFs(), cfg.ExtensionsDir, &registry.PluginLoader{})
		err = reg.Register(registry.Descriptor{
			UpdateType:    args[0],
			Version:       args[1],
			PluginPath:    args[2],
			ContractMajor: registerContractMajor,
			ContractMinor: registerContractMinor,
		})
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}

		fmt.Printf("registered %s v%s -> %s\n", args[0], args[1], args[2])
		return nil
	},
}

func init() {
	registerCmd.Flags().IntVar(&registerContractMajor, "contract-major", registry.DefaultContractVersion.Major, "ABI contract major version the plugin speaks")
	registerCmd.Flags().IntVar(&registerContractMinor, "contract-minor", registry.DefaultContractVersion.Minor, "ABI contract minor version the plugin speaks")
}
