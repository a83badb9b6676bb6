package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
	"github.com/UtilityDD/peermesh-exam-system/internal/logging"
	transport "github.com/UtilityDD/peermesh-exam-system/internal/transport/http"
)

func newParticipantCmd(f *flags) *cobra.Command {
	var controllerID, name string
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Run a participant node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParticipant(cmd.Context(), f, controllerID, name)
		},
	}
	cmd.Flags().StringVar(&controllerID, "join", "", "controller id to join on start")
	cmd.Flags().StringVar(&name, "name", "", "display name used with --join")
	return cmd
}

func runParticipant(ctx context.Context, f *flags, controllerID, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := newNode(f, "participant")
	if err != nil {
		return err
	}
	defer n.Close()

	n.mesh.Start(ctx, n.preferredID(ctx, ""))
	agent := app.NewAgent(n.mesh, n.store,
		app.WithLogger(logging.Component(n.log, "agent")),
	)
	n.mesh.OnMessage(agent.Handlers())

	if controllerID != "" {
		go func() {
			if err := agent.Join(ctx, controllerID, name); err != nil {
				n.log.Warn().Err(err).Str("controller", controllerID).Msg("join on start failed")
			}
		}()
	}

	router := transport.NewParticipantRouter(n.routerNode(),
		transport.NewParticipantHandler(agent, logging.Component(n.log, "http")),
	)
	return n.serve(ctx, router, agent.Run)
}
