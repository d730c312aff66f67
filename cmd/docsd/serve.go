package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	docs "github.com/i5heu/ouroboros-docs"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node",
	Long: `Run the node until interrupted. Every flag can also be set through an
environment variable DOCSD_<FLAG> (e.g. DOCSD_LISTEN=0.0.0.0:4919).`,
	PreRunE: bindFlags,
	RunE:    serve,
}

func init() {
	key := "listen"
	serveCmd.Flags().String(key, "0.0.0.0:4919", wrapString("UDP address of the QUIC endpoint"))
	key = "bootstrap"
	serveCmd.Flags().String(key, "", wrapString("YAML file listing nodes to dial on start"))
	key = "join"
	serveCmd.Flags().StringSlice(key, nil, wrapString("Document tickets to join on start. May be repeated"))
	key = "metrics-addr"
	serveCmd.Flags().String(key, "", wrapString("Address of the Prometheus /metrics endpoint. Empty disables it"))
	key = "gc-interval"
	serveCmd.Flags().Duration(key, 10*time.Minute, wrapString("Pause between value-log collections. Negative disables them"))
	key = "min-free-gb"
	serveCmd.Flags().Int(key, 0, wrapString("Free disk space in GB required to open the stores"))
}

func serve(cmd *cobra.Command, _ []string) error { // A
	logger, err := newLogger()
	if err != nil {
		return err
	}

	conf := docs.Config{
		DataDir:       viper.GetString("data-dir"),
		ListenAddr:    viper.GetString("listen"),
		MinimumFreeGB: viper.GetInt("min-free-gb"),
		GCInterval:    viper.GetDuration("gc-interval"),
		Logger:        logger,
	}
	if path := viper.GetString("bootstrap"); path != "" {
		var bc transport.BootstrapConfig
		if err := bc.LoadFromFile(path); err != nil {
			return err
		}
		if conf.Bootstrap, err = bc.Addrs(); err != nil {
			return fmt.Errorf("bootstrap config: %w", err)
		}
	}
	var tickets []*ticket.DocTicket
	for _, raw := range viper.GetStringSlice("join") {
		t, err := ticket.Parse(raw)
		if err != nil {
			return err
		}
		tickets = append(tickets, t)
	}

	node, err := docs.New(conf)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := node.Start(ctx); err != nil {
		return err
	}
	addr, err := node.NodeAddr()
	if err != nil {
		return err
	}
	logger.Info("serving",
		logKeyNode, addr.NodeID.String(),
		logKeyAddr, addr.String())

	for _, t := range tickets {
		doc, err := node.Docs().Join(ctx, t)
		if err != nil {
			logger.Warn("join failed",
				logKeyNamespace, t.Capability.ID().Short(),
				logKeyError, err)
			continue
		}
		_ = doc.Close()
	}
	if err := resumeSync(ctx, node); err != nil {
		logger.Warn("resume sync failed", logKeyError, err)
	}

	if metricsAddr := viper.GetString("metrics-addr"); metricsAddr != "" {
		srv := metricsServer(metricsAddr, logger)
		defer func() { _ = srv.Close() }()
	}

	return node.Run(ctx)
}

// resumeSync restarts sync with the remembered peers of every stored
// document.
func resumeSync(ctx context.Context, node *docs.Node) error {
	list, err := node.Docs().List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, info := range list {
		doc, err := node.Docs().Open(ctx, info.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, doc.StartSync(ctx, nil))
		_ = doc.Close()
	}
	return errors.Join(errs...)
}

func metricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", logKeyError, err)
		}
	}()
	logger.Info("metrics available", logKeyAddr, addr)
	return srv
}
