package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/saslink/internal/broker"
	"pkt.systems/saslink/internal/metrics"
	"pkt.systems/saslink/internal/version"
)

func newBrokerCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Broker commands",
	}
	cmd.AddCommand(newBrokerServeCmd(cfgPath))
	return cmd
}

func newBrokerServeCmd(cfgPath *string) *cobra.Command {
	var addr string
	var profileName string
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the configured profiles over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			observer := metrics.New(true)
			env, err := openEnv(cmd.Context(), *cfgPath, envOptions{observer: observer})
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())

			bc := env.cfg.Broker
			if addr != "" {
				bc.Addr = addr
			}
			if profileName != "" {
				bc.Profile = profileName
			}
			if metricsAddr != "" {
				bc.MetricsAddr = metricsAddr
			}
			if bc.Profile != "" {
				if _, err := env.host.Profile(bc.Profile); err != nil {
					return err
				}
			}
			server := broker.NewServer(broker.Config{
				Address:     bc.Addr,
				TLSCertFile: bc.TLSCertFile,
				TLSKeyFile:  bc.TLSKeyFile,
				ChunkSize:   bc.ChunkSize,
			}, env.host.BrokerFactory(bc.Profile))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(ctx)
			})
			if bc.MetricsAddr != "" {
				g.Go(func() error {
					return serveMetrics(ctx, bc.MetricsAddr, observer)
				})
			}
			env.logger.Info("broker started", "addr", bc.Addr, "profile", bc.Profile, "metrics", bc.MetricsAddr, "version", version.Get().Version)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address: unix socket path or host:port (default broker.addr)")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "profile served when a client names none (default broker.profile)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address (default broker.metrics_addr)")
	return cmd
}

func serveMetrics(ctx context.Context, addr string, observer *metrics.Observer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observer.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
