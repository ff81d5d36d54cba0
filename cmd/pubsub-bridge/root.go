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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/config"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/pubsub"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "", "config file (default $CONFIG_PATH or "+config.DefaultPath+")")
	fs.StringVar(&g.logLevel, "log-level", "", "override log.level from the config file")
	fs.StringVar(&g.logFormat, "log-format", "", "override log.format (json, text or console)")
}

// load reads the config file and builds the logger it describes.
func (g *globalFlags) load() (*config.Config, string, *slog.Logger, error) {
	path := config.ResolvePath(g.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, path, nil, err
	}
	return cfg, path, logger, nil
}

// client loads the config and returns an idle client for one-shot commands.
func (g *globalFlags) client() (*pubsub.Client, *config.Config, *slog.Logger, error) {
	cfg, _, logger, err := g.load()
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := pubsub.NewClient(cfg.PubSub.ToOptions(), logger.With("component", "pubsub"))
	if err != nil {
		return nil, nil, nil, err
	}
	return client, cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "pubsub-bridge",
		Short: "Bridge a pub/sub network to local clients and message brokers",
		Long: `pubsub-bridge keeps a long-poll subscription open against the pub/sub
service and relays what it receives to WebSocket, SSE and HTTP clients and to
Kafka, RabbitMQ, AMQP 1.0, MQTT, Solace and Redis. Messages read from those
clients and brokers are published back to the service.`,
		SilenceUsage: true,
	}
	flags.register(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(flags),
		newSubscribeCmd(flags),
		newPublishCmd(flags),
		newTimeCmd(flags),
	)
	return root
}
