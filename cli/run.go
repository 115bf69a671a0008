package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ogzhanolguncu/peernet/api"
	"github.com/ogzhanolguncu/peernet/config"
	"github.com/ogzhanolguncu/peernet/discovery"
	"github.com/ogzhanolguncu/peernet/node"
	"github.com/ogzhanolguncu/peernet/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to a TOML config file")
	runCmd.Flags().StringVar(&runID, "id", "", "Node ID (overrides config)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Peer listen address (overrides config)")
	runCmd.Flags().StringVar(&runBootstrap, "bootstrap", "", "Discovery server address (overrides config)")
	runCmd.Flags().StringVar(&runAPI, "api", "", "Admin API address (overrides config)")
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Do not start the admin API")
	rootCmd.AddCommand(runCmd)
}

var (
	runConfigPath string
	runID         string
	runListen     string
	runBootstrap  string
	runAPI        string
	runNoAPI      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a node and join the network",
	Long: `Start a node: listen for peers, register with the discovery server,
connect to every known peer and serve the admin API until interrupted.`,
	RunE: runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}
	applyRunFlags(&cfg)

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("[CLI]", cfg.Node.ID)

	transport, err := protocol.NewTCPTransport(cfg.Node.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Node.Listen, err)
	}
	bootstrap := discovery.NewClient(cfg.Bootstrap.Addr)
	defer bootstrap.Close()

	pn, err := node.New(cfg.Node.ID, cfg.NodeConfig(), transport, bootstrap)
	if err != nil {
		transport.Close()
		return err
	}
	pn.OnMessage(func(env protocol.Envelope) {
		logger.Info("message received",
			"from", env.From,
			"type", env.Type,
			"unicast", env.To != "",
			"data", env.Data)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.API.Addr != "" {
		srv := api.NewServer(cfg.API.Addr, pn, level)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("node running",
		"listen", pn.Addr(),
		"bootstrap", cfg.Bootstrap.Addr,
		"api", cfg.API.Addr)

	<-ctx.Done()
	logger.Info("shutting down node")

	err = g.Wait()
	if closeErr := pn.Close(); closeErr != nil {
		logger.Error("error closing node", "error", closeErr)
	}
	return err
}

func applyRunFlags(cfg *config.Config) {
	if runID != "" {
		cfg.Node.ID = runID
	}
	if runListen != "" {
		cfg.Node.Listen = runListen
	}
	if runBootstrap != "" {
		cfg.Bootstrap.Addr = runBootstrap
	}
	if runAPI != "" {
		cfg.API.Addr = runAPI
	}
	if runNoAPI {
		cfg.API.Addr = ""
	}
}
