package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sitewatch/map-go/internal/config"
	"sitewatch/map-go/internal/controller"
	"sitewatch/map-go/internal/db"
	"sitewatch/map-go/internal/deviceapi"
	"sitewatch/map-go/internal/guardianlite"
	"sitewatch/map-go/internal/httpapi"
	"sitewatch/map-go/internal/imagestore"
	"sitewatch/map-go/internal/metrics"
	"sitewatch/map-go/internal/popup"
	"sitewatch/map-go/internal/pushbus"
	"sitewatch/map-go/internal/scene"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "map-go",
		Short:        "Operations-console map views: markers, relocation and device popups",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("CONFIG_FILE"), "Path to YAML configuration")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, push consumers and the guardianlite poller",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			redact(&cfg)
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = c.OutOrStdout().Write(out)
			return err
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func redact(cfg *config.Config) {
	for _, s := range []*string{&cfg.DatabaseURL, &cfg.Images.SecretKey, &cfg.MQTT.Password, &cfg.Guardianlite.Community} {
		if *s != "" {
			*s = "***"
		}
	}
}

func serve(cfg config.Config) error {
	logger := httpapi.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		return errors.New("database_url is required to serve map views")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	m := metrics.New()
	store := deviceapi.New(logger.With().Str("component", "deviceapi").Logger(), pool.Queries(), deviceapi.Options{})

	var presigner imagestore.Presigner
	if cfg.Images.Endpoint != "" {
		mc, err := imagestore.NewMinIO(cfg.Images.Endpoint, cfg.Images.AccessKey, cfg.Images.SecretKey, cfg.Images.UseTLS, cfg.Images.Bucket)
		if err != nil {
			return fmt.Errorf("image store: %w", err)
		}
		if err := mc.Ready(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.Images.Bucket).Msg("image bucket not ready")
		}
		presigner = mc
	}
	backgrounds, err := imagestore.NewResolver(logger, store, presigner, imagestore.ResolverOptions{
		BaseURL: cfg.Images.BaseURL,
		Expiry:  cfg.Images.PresignExpiry,
	})
	if err != nil {
		return err
	}
	prober := imagestore.NewProber(&http.Client{Timeout: cfg.Images.ProbeTimeout})
	registry := scene.NewRegistry(logger, prober, scene.Options{MinimapWidth: cfg.Map.MinimapWidth})

	bus := pushbus.New(logger.With().Str("component", "pushbus").Logger())

	var wg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("component", name).Msg("background task stopped")
			}
		}()
	}

	if cfg.MQTT.BrokerURL != "" {
		src := pushbus.NewMQTTSource(logger, bus, m, pushbus.MQTTOptions{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Prefix:    cfg.MQTT.Prefix,
			Topics:    cfg.MQTT.Topics,
			QoS:       cfg.MQTT.QoS,
		})
		runBackground("mqtt", src.Run)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		src := pushbus.NewKafkaSource(logger, bus, m, pushbus.KafkaOptions{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topics:  cfg.Kafka.Topics,
			Prefix:  cfg.Kafka.Prefix,
		})
		runBackground("kafka", src.Run)
	}
	if cfg.Guardianlite.Enabled {
		reader := guardianlite.NewClient(guardianlite.Config{
			Community: cfg.Guardianlite.Community,
			Version:   cfg.Guardianlite.Version,
			Port:      cfg.Guardianlite.Port,
			Timeout:   cfg.Guardianlite.Timeout,
			LabelOID:  cfg.Guardianlite.LabelOID,
			StateOID:  cfg.Guardianlite.StateOID,
		})
		poller := guardianlite.New(logger, pool.Queries(), reader, bus, guardianlite.Options{PollInterval: cfg.Guardianlite.PollInterval}, m)
		runBackground("guardianlite", func(ctx context.Context) error {
			poller.Run(ctx)
			return nil
		})
	}

	views := make([]*controller.Controller, 0, 2)
	for _, v := range []controller.View{controller.ViewIndoor, controller.ViewOutdoor} {
		views = append(views, controller.New(v, controller.Deps{
			Log:         logger,
			Registry:    registry,
			API:         store,
			Backgrounds: backgrounds,
			Bus:         bus,
			Metrics:     m,
			Access:      store,
			Assigner:    store,
			Popups: popup.Options{
				AutoDismiss:        cfg.Popups.AutoDismiss,
				AutoDismissSources: cfg.Popups.AutoDismissSources,
			},
		}))
	}

	h := httpapi.NewHandler(logger, pool, httpapi.Options{
		Views:   views,
		Devices: store,
		Bus:     bus,
		Metrics: m,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("map-go listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		shutdownViews(views)
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	shutdownViews(views)
	wg.Wait()
	logger.Info().Msg("shutdown complete")
	return nil
}

func shutdownViews(views []*controller.Controller) {
	for _, c := range views {
		c.Unmount()
	}
}
