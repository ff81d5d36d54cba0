// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/bridge"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/retention"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/session"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/config"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/pubsub"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(flags *globalFlags) *cobra.Command {
	var monitorInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, logger, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, cfg, path, monitorInterval, logger)
		},
	}
	cmd.Flags().DurationVar(&monitorInterval, "monitor-interval", plugins.DefaultMonitorInterval, "how often unhealthy endpoints are reconnected")
	return cmd
}

func runBridge(ctx context.Context, cfg *config.Config, path string, monitorInterval time.Duration, logger *slog.Logger) error {
	client, err := pubsub.NewClient(cfg.PubSub.ToOptions(), logger.With("component", "pubsub"))
	if err != nil {
		return err
	}

	packetLog := logging.NewPacketLogger(logger.With("component", "packet"))
	registry := plugins.NewRegistry(logger.With("component", "registry"))
	if err := registry.Build(cfg); err != nil {
		_ = client.Close()
		return err
	}

	routes := routing.NewTable()
	routes.ReplaceAll(cfg.RouteList())

	store, err := retention.NewStore(cfg.Session.Retention, logger.With("component", "retention"))
	if err != nil {
		_ = client.Close()
		return err
	}
	if store != nil {
		defer store.Close()
	}

	connected := registry.ConnectEndpoints(ctx)
	logger.Info("endpoints connected", "connected", connected, "total", len(registry.Endpoints()))

	publisher := bridge.NewPublisher(client)
	manager := session.NewManager(routes, publisher, cfg.Session.ToOptions(store), logger.With("component", "session"), packetLog)
	relay := bridge.NewRelay(routes, registry.Endpoints(), manager, publisher, registry, logger.With("component", "relay"), packetLog)
	client.AddListener(relay)

	in := cfg.PubSub.SubscribeInput()
	if len(in.Channels)+len(in.Groups)+len(in.Wildcards) > 0 {
		if err := client.Subscribe(in); err != nil {
			relay.Close()
			_ = client.Close()
			_ = registry.StopAll(context.Background())
			return err
		}
	}

	watcher := config.NewWatcher(path, cfg, routes, client, logger.With("component", "config"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.StartEntrypoints(gctx, manager) })
	g.Go(func() error { return relay.StartUpstream(gctx) })
	g.Go(func() error { return registry.MonitorEndpoints(gctx, monitorInterval) })
	g.Go(func() error {
		watcher.Watch(gctx)
		return nil
	})

	logger.Info("pubsub bridge started",
		"config", path,
		"routes", routes.Len(),
		"entrypoints", len(registry.Entrypoints()),
		"endpoints", len(registry.Endpoints()),
		"instance_id", client.InstanceID(),
	)

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("bridge stopped with error", "error", runErr)
	}
	logger.Info("shutting down pubsub bridge")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	relay.Close()
	manager.DestroyAll()
	closeErr := client.Close()
	stopErr := registry.StopAll(shutdownCtx)

	logger.Info("pubsub bridge stopped")
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, closeErr, stopErr)
}

// waitForSignal blocks one-shot commands until interrupted.
func waitForSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
