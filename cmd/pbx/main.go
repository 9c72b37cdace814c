// Command pbx runs the telephone exchange server: a TCP listener
// multiplexing concurrent line-oriented clients through the PBX registry.
//
// Command-tree shape and flag-binding style grounded on the example
// corpus's Cobra/Viper node command (spf13/cobra + spf13/viper), its
// errgroup-coordinated run loop, and its signal handling for graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/lianatorpey/pbx/internal/logging"
	"github.com/lianatorpey/pbx/internal/metrics"
	"github.com/lianatorpey/pbx/internal/network"
	"github.com/lianatorpey/pbx/internal/pbx"
)

const defaultMaxExtensions = 1000

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "pbx",
		Short:         "telephone exchange simulator",
		SilenceUsage:  false,
		SilenceErrors: false,
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "run the PBX server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), v)
		},
	}

	flags := start.Flags()
	flags.IntP("port", "p", 6730, "TCP port to listen on (1-65535)")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("metrics-addr", "", "address to expose Prometheus metrics on (empty disables it)")
	flags.Int("max-extensions", defaultMaxExtensions, "number of extension slots in the registry")
	bindAll(v, flags)

	root.AddCommand(start)
	root.RunE = start.RunE
	root.Flags().AddFlagSet(flags)
	v.SetEnvPrefix("pbx")
	v.AutomaticEnv()

	return root
}

const metricsShutdownTimeout = 5 * time.Second

func bindAll(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
}

func runStart(ctx context.Context, v *viper.Viper) error {
	port := v.GetInt("port")
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d: must be in 1..65535", port)
	}
	if err := logging.ParseLevel(v.GetString("log-level")); err != nil {
		return err
	}
	logger := logging.New(v.GetString("log-level"))

	maxExt := v.GetInt("max-extensions")
	if maxExt <= 0 {
		maxExt = defaultMaxExtensions
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	registry := pbx.New(maxExt, logger, m)
	srv := network.New(net.JoinHostPort("", strconv.Itoa(port)), registry, logger, m)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	if err := srv.Start(gctx); err != nil {
		return err
	}

	if addr := v.GetString("metrics-addr"); addr != "" {
		metricsSrv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
		group.Go(func() error {
			logger.Log("msg", "metrics endpoint listening", "addr", addr)
			err := metricsSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		return srv.Stop()
	})

	return group.Wait()
}
