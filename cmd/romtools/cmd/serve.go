package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dogeorg/romtools/pkg/system"
	"github.com/dogeorg/romtools/pkg/version"
	"github.com/dogeorg/romtools/pkg/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST and websocket API",
	Long: `Serve the REST and websocket API on --bind:--port.

Routes:
  GET    /capabilities
  GET    /progress
  GET    /backups
  DELETE /backups/{name}
  POST   /operations
  GET    /operations
  WS     /ws/progress
  WS     /ws/log/operation/{id}`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		// the service log stays at info level under serve
		if !a.config.Verbose {
			a.log.SetLevel(logrus.InfoLevel)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.log.WithField("version", version.GetRelease().Short()).Info("Starting romtools API")
		if err := a.manager.Initialize(ctx); err != nil {
			a.log.WithError(err).Warn("Capability probe incomplete")
		}

		var logs web.OperationLogs
		if a.config.LogDir != "" {
			logs = system.NewLogTailer(a.config.LogDir, a.log)
		}
		api := web.RESTAPI(a.config, a.manager, logs, a.log)
		if err := api.Run(ctx); err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <operation-id>",
	Short: "Print the log of an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		follow, _ := cmd.Flags().GetBool("follow")

		cancel, lines, err := system.NewLogTailer(config.LogDir, NewCLILogger(config)).GetChan(args[0], follow)
		if err != nil {
			return err
		}
		defer cancel()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
		}
	},
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Keep streaming new lines")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(logsCmd)
}
