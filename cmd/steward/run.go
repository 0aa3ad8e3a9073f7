package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cuemby/steward/pkg/api"
	"github.com/cuemby/steward/pkg/client"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/reconciler"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/work"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the domain controller",
	Long: `Run the domain controller in the foreground.

The controller reconciles every domain in the store on a fixed interval and
serves /health, /ready, /metrics and /domains on the metrics address.
Press Ctrl+C to stop.`,
	RunE: runController,
}

func init() {
	runCmd.Flags().String("kubeconfig", "", "Path to kubeconfig (default in-cluster, then $KUBECONFIG, then ~/.kube/config)")
	runCmd.Flags().String("metrics-addr", "", "Address for the health and metrics server")
	runCmd.Flags().Int("workers", 0, "Number of fibers executing steps at the same time")
	runCmd.Flags().Int("max-concurrent-rolls", 0, "Managed servers restarted at the same time per domain")
	runCmd.Flags().Duration("reconcile-interval", 0, "Interval between reconciliation passes")
	runCmd.Flags().Bool("restart-evicted-pods", true, "Replace evicted server pods")
	runCmd.Flags().StringToString("env", nil, "Extra environment variables for every server container (NAME=value)")

	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterComponent(metrics.ComponentStore, true, "")

	clientset, err := client.NewKubernetes(cfg.Kubeconfig)
	if err != nil {
		return err
	}
	if err := checkKubernetes(clientset); err != nil {
		metrics.RegisterComponent(metrics.ComponentKubernetes, false, err.Error())
		return err
	}
	metrics.RegisterComponent(metrics.ComponentKubernetes, true, "")

	engine := work.NewEngine(work.Config{Workers: cfg.Tuning.Workers})
	metrics.RegisterComponent(metrics.ComponentEngine, true, fmt.Sprintf("%d workers", engine.Workers()))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	env, _ := cmd.Flags().GetStringToString("env")
	rec := reconciler.NewReconciler(reconciler.Config{
		Store:      store,
		Client:     client.NewKubePodClient(clientset),
		Engine:     engine,
		Broker:     broker,
		Tuning:     cfg.Tuning,
		StartupEnv: startupEnv(env),
	})

	collector := metrics.NewCollector(engine, rec.Registry(), 15*time.Second)
	hs := api.NewHealthServer(store, rec.Registry(), Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hs.Start(cfg.MetricsAddr)
	})
	g.Go(func() error {
		logEvents(gctx, broker)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		rec.Stop()
		collector.Stop()
		engine.Shutdown()
		metrics.UpdateComponent(metrics.ComponentEngine, false, "stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})

	rec.Start()
	collector.Start()
	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("metrics_addr", cfg.MetricsAddr).
		Int("workers", engine.Workers()).
		Msg("Controller running")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// checkKubernetes verifies that the API server answers
func checkKubernetes(clientset kubernetes.Interface) error {
	version, err := clientset.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("failed to reach kubernetes: %w", err)
	}
	log.WithComponent("main").Info().Str("kubernetes", version.GitVersion).Msg("Connected to Kubernetes")
	return nil
}

// logEvents writes broker events to the log until ctx is done
func logEvents(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	logger := log.WithComponent("events")

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			ev := logger.Debug().Str("type", string(e.Type))
			for k, v := range e.Metadata {
				ev = ev.Str(k, v)
			}
			ev.Msg(e.Message)
		case <-ctx.Done():
			return
		}
	}
}

// startupEnv converts --env into container variables, sorted by name so that
// the pod hash does not change between passes
func startupEnv(env map[string]string) []types.EnvVar {
	out := make([]types.EnvVar, 0, len(env))
	for name, value := range env {
		out = append(out, types.EnvVar{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
