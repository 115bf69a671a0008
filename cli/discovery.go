package cli

import (
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ogzhanolguncu/peernet/discovery"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	discoveryCmd.Flags().StringVar(&discoveryAddr, "addr", ":8080", "Address to listen on")
	discoveryCmd.Flags().DurationVar(&discoveryCleanup, "cleanup", 90*time.Second,
		"Registrations not refreshed within this interval are dropped")
	discoveryCmd.Flags().BoolVar(&discoveryDebug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(discoveryCmd)
}

var (
	discoveryAddr    string
	discoveryCleanup time.Duration
	discoveryDebug   bool
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Run the bootstrap discovery server",
	RunE:  runDiscovery,
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if discoveryDebug {
		level = slog.LevelDebug
	}
	srv := discovery.NewServer(discoveryAddr, discoveryCleanup, level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Stop()
	})
	return g.Wait()
}
