package cli

import (
	"os/signal"
	"syscall"

	"github.com/ammiranda/treeext/internal/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			s.Port, _ = cmd.Flags().GetInt("port")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return server.Run(ctx, s)
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Listen port, overriding PORT")
}
