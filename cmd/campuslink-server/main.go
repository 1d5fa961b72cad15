// campuslink-server keeps authenticated portal sessions alive for many
// identities and exposes them over a JSON-RPC-over-gRPC control API, with
// status and Prometheus metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/gateway"
	"github.com/campuslink/campuslink/internal/grpcapi"
	"github.com/campuslink/campuslink/internal/httpapi"
	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/registry"
)

const passphraseEnv = "CAMPUSLINK_PASSPHRASE"

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "campuslink-server",
		Short:   "campuslink server - long-lived portal sessions behind a control API",
		Version: version,
	}

	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			socket, _ := cmd.Flags().GetString("socket")
			grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
			httpAddr, _ := cmd.Flags().GetString("http-addr")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if grpcAddr != "" {
				cfg.API.GRPCAddr = grpcAddr
			}
			if httpAddr != "" {
				cfg.API.HTTPAddr = httpAddr
			}
			return serve(cfg, socket)
		},
	}

	cmd.Flags().String("config", "", "Config file (default: $CAMPUSLINK_CONFIG or ~/.campuslink/config.json)")
	cmd.Flags().String("socket", "", "Serve the control API on this unix socket instead of TCP")
	cmd.Flags().String("grpc-addr", "", "Control API listen address (overrides config)")
	cmd.Flags().String("http-addr", "", "Status and metrics listen address (overrides config)")

	return cmd
}

func serve(cfg config.Config, socket string) error {
	logger := logging.NewJSONLogger(os.Stdout, cfg.LogLevel)

	b, err := openBackends(cfg, os.Getenv(passphraseEnv), logger)
	if err != nil {
		return err
	}
	defer b.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(promReg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	reg := registry.New(cfg.Connection, logger, b.connectionOptions()...)
	defer reg.CloseAll()
	svc := gateway.NewService(reg, b.creds, b.auditDB, logger)

	var rpc *grpcapi.Server
	if socket != "" {
		rpc, err = grpcapi.NewServer(socket, svc, logger)
	} else {
		if cfg.API.TLSCert == "" {
			logger.Warn().Str("addr", cfg.API.GRPCAddr).Msg("control API is plaintext; set api.tls_cert and api.tls_key for TLS")
		}
		rpc, err = grpcapi.NewTCPServer(cfg.API.GRPCAddr, svc, logger, cfg.API.TLSCert, cfg.API.TLSKey)
	}
	if err != nil {
		return fmt.Errorf("starting control API: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	web := &http.Server{
		Addr:              cfg.API.HTTPAddr,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(svc), promReg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reg.RunJanitor(ctx, cfg.Connection.JanitorInterval())

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", rpc.Addr().String()).Msg("control API listening")
		errCh <- rpc.Serve()
	}()
	go func() {
		logger.Info().Str("addr", web.Addr).Msg("status API listening")
		if err := web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	web.Shutdown(shutdownCtx)
	rpc.Stop()
	return err
}
