// Package cli implements the treectl command line.
package cli

import (
	"github.com/ammiranda/treeext/config"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "treectl",
	Short: "Operate tree-structured tables",
	Long: `treectl serves the tree API, applies the schema and inspects the
trees stored in the configured database.

Settings are read from the environment and from the optional dotenv file
given with --env-file.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file to load before reading the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd, verifyCmd, hierarchyCmd, classesCmd)
}

func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	file, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, err
	}
	if file == "" {
		return config.LoadSettings()
	}
	return config.LoadSettings(file)
}
