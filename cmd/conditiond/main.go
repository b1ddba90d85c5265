// conditiond is the property condition scoring control plane daemon. It
// serves inference, model registry, deployment, audit, and drift endpoints
// over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrafusion/condserve/internal/artifacts"
	"github.com/terrafusion/condserve/internal/audit"
	"github.com/terrafusion/condserve/internal/deployment"
	"github.com/terrafusion/condserve/internal/drift"
	"github.com/terrafusion/condserve/internal/inference"
	"github.com/terrafusion/condserve/internal/observability"
	"github.com/terrafusion/condserve/internal/registry"
	"github.com/terrafusion/condserve/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "conditiond",
		Short:   "Property condition scoring control plane",
		Long:    `conditiond serves AI property-condition scores with versioned model management, fallback-aware inference, audit trails, and feedback drift monitoring.`,
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./conditiond.yaml)")
	rootCmd.Flags().String("host", "0.0.0.0", "listen host")
	rootCmd.Flags().Int("port", 8080, "listen port")
	rootCmd.Flags().String("data-dir", "data", "base directory for persisted state")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", "json", "log format (json, text)")

	viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("data.dir", rootCmd.Flags().Lookup("data-dir"))
	viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.Flags().Lookup("log-format"))

	cobra.OnInitialize(initConfig)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("conditiond")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CONDSERVE")

	viper.SetDefault("artifacts.backend", "local")
	viper.SetDefault("drift.agreement_threshold", drift.DefaultAgreementThreshold)
	viper.SetDefault("drift.direction_threshold", drift.DefaultDirectionThreshold)
	viper.SetDefault("inference.predict_timeout", "30s")
	viper.SetDefault("metrics.namespace", "condserve")

	viper.ReadInConfig()
}

func setupLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func buildArtifactStore(dataDir string, logger *logrus.Logger) (artifacts.Store, error) {
	if viper.GetString("artifacts.backend") == "s3" {
		return artifacts.NewS3Store(&artifacts.S3StoreConfig{
			Region: viper.GetString("artifacts.s3.region"),
			Bucket: viper.GetString("artifacts.s3.bucket"),
			Prefix: viper.GetString("artifacts.s3.prefix"),
		}, logger)
	}
	archiveDir := viper.GetString("artifacts.archive_dir")
	if archiveDir == "" {
		archiveDir = filepath.Join(dataDir, "model_archive")
	}
	return artifacts.NewLocalStore(&artifacts.LocalStoreConfig{ArchiveDir: archiveDir}, logger)
}

func run() error {
	logger := setupLogger(viper.GetString("log.level"), viper.GetString("log.format"))

	logger.WithFields(logrus.Fields{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
	}).Info("Starting condition scoring control plane")

	dataDir := viper.GetString("data.dir")

	store, err := buildArtifactStore(dataDir, logger)
	if err != nil {
		return err
	}

	reg, err := registry.NewRegistry(&registry.Config{
		CatalogPath: filepath.Join(dataDir, "model_registry.json"),
	}, store, logger)
	if err != nil {
		return err
	}

	events, err := deployment.NewEventLog(filepath.Join(dataDir, "deployment_events.csv"), logger)
	if err != nil {
		return err
	}

	tracker, err := deployment.NewTracker(&deployment.TrackerConfig{
		StatusPath:   filepath.Join(dataDir, "deployment_status.json"),
		DefaultModel: viper.GetString("deployment.default_model"),
	}, events, reg, logger)
	if err != nil {
		return err
	}

	trail, err := audit.NewTrail(filepath.Join(dataDir, "inference_audit.csv"), logger)
	if err != nil {
		return err
	}

	monitor, err := drift.NewMonitor(&drift.Config{
		FeedbackPath:       filepath.Join(dataDir, "user_feedback.csv"),
		DriftPath:          filepath.Join(dataDir, "daily_drift.csv"),
		AgreementThreshold: viper.GetFloat64("drift.agreement_threshold"),
		DirectionThreshold: viper.GetFloat64("drift.direction_threshold"),
	}, logger)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(viper.GetString("metrics.namespace"))

	predictTimeout := viper.GetDuration("inference.predict_timeout")
	svc, err := inference.NewService(&inference.ServiceConfig{PredictTimeout: predictTimeout},
		reg, tracker, events, trail, inference.NewParamLoader(), metrics, logger)
	if err != nil {
		return err
	}
	if err := svc.PreloadFallback(context.Background()); err != nil {
		logger.WithError(err).Warn("Failed to preload fallback engine")
	}

	serverConfig := server.NewDefaultConfig()
	serverConfig.Host = viper.GetString("server.host")
	serverConfig.Port = viper.GetInt("server.port")
	serverConfig.UploadDir = filepath.Join(dataDir, "uploads")

	server.Version = Version
	server.GitCommit = GitCommit
	server.BuildTime = BuildDate

	srv, err := server.NewServer(serverConfig, &server.Services{
		Registry:  reg,
		Tracker:   tracker,
		Events:    events,
		Inference: svc,
		Trail:     trail,
		Drift:     monitor,
		Metrics:   metrics,
	}, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
		return err
	}

	logger.Info("Server stopped")
	return nil
}
