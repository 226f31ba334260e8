package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/monitor"
	"github.com/lucasnoah/renderfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and worker callbacks",
	Long: `Serve the JSON API that clients drive pipelines through, the completion and
progress callbacks that workers post to, Prometheus metrics on /metrics, and a
server-sent event stream per pipeline.

Unless --no-monitor is given the stale monitor sweeps in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStack(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = st.cfg.Server.Addr
		}
		noMonitor, _ := cmd.Flags().GetBool("no-monitor")

		var mon *monitor.Monitor
		if !noMonitor {
			mon = st.monitor()
			if err := mon.Start(ctx); err != nil {
				return err
			}
			defer mon.Stop()
		}
		return web.NewServer(st.orch, mon, st.logger).ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "address to listen on (default: server.addr)")
	serveCmd.Flags().Bool("no-monitor", false, "do not run the stale monitor")
}
