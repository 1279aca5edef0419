package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/devicectl/internal/api"
	"github.com/psantana5/devicectl/internal/logging"
	"github.com/psantana5/devicectl/internal/manager"
	"github.com/psantana5/devicectl/internal/shutdown"
	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/internal/tracing"
)

var serveAllocateAll bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve allocated devices over HTTP",
	Long: `Run the device monitor and an HTTP API for allocating, rebooting and querying
devices. Device events are recorded in the configured store (memory, sqlite or
postgres). Settings come from the "server", "store" and "tracing" config sections.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the bcrypt hash to configure as server.api_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := api.HashAPIKey(args[0])
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, hashKeyCmd)

	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().BoolVar(&serveAllocateAll, "allocate-all", false, "allocate every visible device at startup")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	serverCfg := api.DefaultServerConfig()
	if err := viper.UnmarshalKey("server", &serverCfg); err != nil {
		return fmt.Errorf("failed to parse server config: %w", err)
	}
	if serverCfg.Addr == "" {
		serverCfg.Addr = api.DefaultServerConfig().Addr
	}
	storeCfg := store.Config{Type: "memory"}
	if err := viper.UnmarshalKey("store", &storeCfg); err != nil {
		return fmt.Errorf("failed to parse store config: %w", err)
	}
	var tracingCfg tracing.Config
	if err := viper.UnmarshalKey("tracing", &tracingCfg); err != nil {
		return fmt.Errorf("failed to parse tracing config: %w", err)
	}

	opts, err := loadOptions()
	if err != nil {
		return err
	}

	events, err := store.NewStore(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	provider, err := tracing.InitTracer(tracingCfg, logger)
	if err != nil {
		events.Close()
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := manager.New(manager.Config{
		Transport:    newTransport(logger),
		Options:      opts,
		PollInterval: viper.GetDuration("poll_interval"),
		Logger:       logger,
		Metrics:      recorder,
		Tracer:       provider.Tracer(),
		Store:        events,
	})
	if serveAllocateAll {
		if err := allocateAll(ctx, m); err != nil {
			logger.Warn("Not every device could be allocated", map[string]interface{}{"error": err.Error()})
		}
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		m.Run(ctx)
	}()
	go rotateLogs(ctx, logger, viper.GetInt64("log_max_bytes"), time.Minute)

	handler := api.NewHandler(m, events, logger.WithField("component", "api"))
	router := api.NewRouter(handler, serverCfg, recorder, provider.Tracer())
	server := api.NewServer(serverCfg, router)

	sm := shutdown.New(30*time.Second, logger)
	sm.Register("store", shutdown.CloseResource(events, "store"))
	sm.Register("tracing", provider.Shutdown)
	sm.Register("devices", func(ctx context.Context) error {
		m.ReleaseAll(ctx)
		return nil
	})
	sm.Register("device operations", shutdown.WaitFor(m.Idle, 100*time.Millisecond, "device operations"))
	sm.Register("monitor", func(ctx context.Context) error {
		cancel()
		select {
		case <-monitorDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("device monitor did not stop: %w", ctx.Err())
		}
	})
	sm.Register("http", shutdown.StopHTTPServer(server, "api"))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API server listening", map[string]interface{}{
			"addr": serverCfg.Addr,
			"auth": serverCfg.APIKeyHash != "",
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			sm.Trigger()
		}
	}()

	if err := sm.WaitWithContext(cmd.Context()); err != nil {
		sm.Shutdown()
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("API server failed: %w", err)
	default:
		return nil
	}
}

// rotateLogs checks the log file size every interval until ctx is done
func rotateLogs(ctx context.Context, logger *logging.Logger, maxBytes int64, interval time.Duration) {
	if logger.LogPath() == "" || maxBytes <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := logger.RotateIfNeeded(maxBytes); err != nil {
				logger.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func allocateAll(ctx context.Context, m *manager.Manager) error {
	entries, err := m.Devices(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if _, err := m.Allocate(ctx, e.Serial); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
