// Command text-egress-worker runs the long-lived process that joins
// real-time rooms on session creation, captures their out-of-band data
// messages to per-participant files, and uploads the finished artifact set
// to object storage. Wiring style (cobra root/version commands, zap logger
// construction, signal.NotifyContext-driven shutdown) is grounded on the
// teacher's cmd/agent/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syncflow-io/text-egress-worker/internal/admin"
	"github.com/syncflow-io/text-egress-worker/internal/broker"
	"github.com/syncflow-io/text-egress-worker/internal/config"
	"github.com/syncflow-io/text-egress-worker/internal/controlplane"
	"github.com/syncflow-io/text-egress-worker/internal/logging"
	"github.com/syncflow-io/text-egress-worker/internal/room"
	"github.com/syncflow-io/text-egress-worker/internal/supervisor"
	"github.com/syncflow-io/text-egress-worker/internal/telemetry"
	"github.com/syncflow-io/text-egress-worker/internal/uploader"
)

// version is stamped at build time via -ldflags; "dev" otherwise.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "text-egress-worker",
		Short: "Joins real-time rooms and egresses their data-channel traffic to object storage.",
		RunE:  run,
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	roomClient := room.NewLiveKitClient()

	var (
		listers     []admin.ProjectLister
		supervisors []*supervisor.ProjectSupervisor
		group       errgroup.Group
	)

	for _, proj := range cfg.Projects {
		cpClient := controlplane.New(cfg.SyncflowServerURL, proj.ProjectID, proj.Key, proj.Secret)

		store, err := uploader.NewMinioStore(uploader.Config{
			Endpoint:        proj.S3Config.Endpoint,
			AccessKeyID:     proj.S3Config.AccessKey,
			SecretAccessKey: proj.S3Config.SecretKey,
			UseSSL:          true,
			Region:          proj.S3Config.Region,
		})
		if err != nil {
			return fmt.Errorf("project %s: %w", proj.ProjectID, err)
		}

		details, err := cpClient.ProjectDetails(ctx)
		if err != nil {
			return fmt.Errorf("project %s: failed to fetch project details: %w", proj.ProjectID, err)
		}

		sup := supervisor.New(supervisor.Config{
			ProjectID:   proj.ProjectID,
			ProjectName: details.Name,
			Bucket:      proj.S3Config.BucketName,
		}, cpClient, roomClient, store, metrics, logger)

		device, err := sup.Register(ctx, cfg.DeviceGroupName)
		if err != nil {
			return fmt.Errorf("project %s: %w", proj.ProjectID, err)
		}

		apiToken, err := cpClient.APIToken(ctx)
		if err != nil {
			return fmt.Errorf("project %s: failed to fetch API token: %w", proj.ProjectID, err)
		}

		brokerListener := broker.New(broker.Config{
			Host:       cfg.RabbitMQHost,
			Port:       cfg.RabbitMQPort,
			VHost:      cfg.RabbitMQVHost,
			TLS:        cfg.RabbitMQTLS,
			Username:   apiToken,
			Password:   device.Group,
			Exchange:   device.SessionNotificationExchange,
			BindingKey: device.SessionNotificationBindingKey,
		}, sup, logger)
		sup.SetBrokerStopper(brokerListener.Stop)

		group.Go(func() error {
			sup.Run(ctx)
			return nil
		})
		group.Go(func() error {
			if err := brokerListener.Start(ctx); err != nil {
				logger.Error("broker listener exited", zap.String("project_id", proj.ProjectID), zap.Error(err))
			}
			return nil
		})

		listers = append(listers, sup)
		supervisors = append(supervisors, sup)
	}

	// Deregisters are spaced by at least 200ms so each project's broker
	// connection close has time to flush before the next one tears down.
	defer func() {
		for i, sup := range supervisors {
			if i > 0 {
				time.Sleep(200 * time.Millisecond)
			}
			if err := sup.Deregister(context.Background()); err != nil {
				logger.Warn("failed to deregister device", zap.String("project_id", sup.ProjectID()), zap.Error(err))
			}
		}
	}()

	adminServer := admin.New(listers, registry, logger)
	httpServer := &http.Server{Addr: cfg.AdminAddr, Handler: adminServer}
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	logger.Info("text-egress-worker started", zap.Int("project_count", len(cfg.Projects)), zap.String("admin_addr", cfg.AdminAddr))

	return group.Wait()
}
