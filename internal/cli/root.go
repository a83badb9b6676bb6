package cli

import (
	"os"

	"github.com/spf13/cobra"
)

type flags struct {
	configPath string
	port       string
	peerID     string
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	f := &flags{}
	cmd := &cobra.Command{
		Use:          "peermesh",
		Short:        "Peer-to-peer timed exams over a websocket mesh",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&f.configPath, "config", envConfig, "path to YAML config")
	cmd.PersistentFlags().StringVar(&f.port, "port", os.Getenv("PORT"), "port to listen on, overrides server.port")
	cmd.PersistentFlags().StringVar(&f.peerID, "peer-id", "", "preferred mesh identity, overrides mesh.peerId")
	cmd.AddCommand(newControllerCmd(f))
	cmd.AddCommand(newParticipantCmd(f))
	cmd.AddCommand(newMigrateCmd(f))
	return cmd
}
