package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"xatm/admin"
	"xatm/config"
	"xatm/epoch"
	"xatm/log"
	"xatm/metrics"
	"xatm/resource"
	"xatm/resource/boltrm"
	"xatm/resource/memrm"
	"xatm/txlog"
	"xatm/txmanager"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `serve advances the coordinator epoch, replays the transaction log, opens
the configured resource managers and starts background recovery and the
admin API. SIGINT or SIGTERM stop it; transactions in flight are left to
recovery at the next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})
}

func runServe() (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Logging); err != nil {
		return err
	}
	defer log.Sync()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i].Close())
		}
	}()

	reg, err := epoch.Open(cfg.Coordinator.EpochPath)
	if err != nil {
		return err
	}
	closers = append(closers, reg)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	txLog, err := txlog.Open(cfg.TxLog.Dir,
		txlog.WithQueueSize(cfg.TxLog.QueueSize),
		txlog.WithMaxBatch(cfg.TxLog.MaxBatch),
		txlog.WithObserver(m))
	if err != nil {
		return err
	}
	closers = append(closers, txLog)

	factories, rmClosers, err := openResources(cfg.Resources)
	closers = append(closers, rmClosers...)
	if err != nil {
		return err
	}

	tm, err := txmanager.NewTXManager(txLog, reg,
		txmanager.WithTimeout(cfg.Coordinator.Timeout),
		txmanager.WithPrepareTimeout(cfg.Coordinator.PrepareTimeout),
		txmanager.WithMonitorTick(cfg.Coordinator.MonitorTick),
		txmanager.WithRecoveryInterval(cfg.Coordinator.RecoveryInterval),
		txmanager.WithFactories(factories...),
		txmanager.WithMetrics(m))
	if err != nil {
		return err
	}
	// Stop before the log and registry close.
	closers = append(closers, closerFunc(func() error {
		tm.Stop()
		return nil
	}))

	srv := &http.Server{
		Addr:    cfg.Admin.Addr,
		Handler: admin.NewHandler(tm, promReg),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("admin API listening on %s", cfg.Admin.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	select {
	case sig := <-sigCh:
		log.Infof("Got signal [%s] to exit.", sig)
	case err := <-serveErr:
		if err != nil {
			log.Errorf("admin API failed: %v", err)
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// openResources opens the configured resource managers. Memory resource
// managers lose everything on exit and only suit trials.
func openResources(rcs []config.ResourceConfig) ([]resource.Factory, []io.Closer, error) {
	var (
		factories []resource.Factory
		closers   []io.Closer
	)
	for _, rc := range rcs {
		switch rc.Kind {
		case config.KindBolt:
			store, err := boltrm.Open(rc.Path, rc.Name)
			if err != nil {
				return nil, closers, fmt.Errorf("resource %s: %w", rc.Name, err)
			}
			closers = append(closers, store)
			factories = append(factories, store.Factory(rc.FactoryID))
		case config.KindMemory:
			log.Warnf("resource %s is in memory, its prepared branches do not survive a restart", rc.Name)
			factories = append(factories, memrm.New(rc.Name).Factory(rc.FactoryID))
		default:
			return nil, closers, fmt.Errorf("resource %s: unknown kind %q", rc.Name, rc.Kind)
		}
		log.Infof("resource %s (%s) registered as %s", rc.Name, rc.Kind, rc.FactoryID)
	}
	return factories, closers, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
