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
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/bridge"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/pubsub"
)

func newSubscribeCmd(flags *globalFlags) *cobra.Command {
	var (
		in       pubsub.SubscribeInput
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Print everything received on channels, groups or wildcards",
		Long: `Subscribes with the configured keys and prints one line per message,
presence event and status. Without --channel, --group or --wildcard the
subscriptions from the config file are used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, _, err := flags.client()
			if err != nil {
				return err
			}
			defer client.Close()

			if len(in.Channels)+len(in.Groups)+len(in.Wildcards) == 0 {
				withPresence := in.WithPresence
				in = cfg.PubSub.SubscribeInput()
				in.WithPresence = in.WithPresence || withPresence
			}

			printer := newEventPrinter(cmd.OutOrStdout())
			client.AddListener(printer)
			if err := client.Subscribe(in); err != nil {
				return err
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			waitForSignal(ctx)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringSliceVarP(&in.Channels, "channel", "C", nil, "channel to subscribe to (repeatable)")
	fs.StringSliceVarP(&in.Groups, "group", "g", nil, "channel group to subscribe to (repeatable)")
	fs.StringSliceVarP(&in.Wildcards, "wildcard", "w", nil, "wildcard channel such as news.* (repeatable)")
	fs.BoolVar(&in.WithPresence, "presence", false, "also subscribe to presence events")
	fs.Int64Var(&in.Timetoken, "timetoken", 0, "start from this timetoken instead of now")
	fs.DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// eventPrinter is a core.Listener that writes one coloured line per callback.
type eventPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	channel  *color.Color
	presence *color.Color
	status   *color.Color
	failure  *color.Color
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{
		w:        w,
		channel:  color.New(color.FgCyan, color.Bold),
		presence: color.New(color.FgMagenta),
		status:   color.New(color.FgGreen),
		failure:  color.New(color.FgRed, color.Bold),
	}
}

func (p *eventPrinter) Status(s core.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Error != nil {
		p.failure.Fprintf(p.w, "[status] %s %s: %v\n", s.Operation, s.Category, s.Error)
		return
	}
	p.status.Fprintf(p.w, "[status] %s %s %v\n", s.Operation, s.Category, s.AffectedChannels)
}

func (p *eventPrinter) Message(m core.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel.Fprintf(p.w, "%s", m.Channel)
	fmt.Fprintf(p.w, " %d %s %s\n", m.Timetoken, m.Publisher, m.Payload)
}

func (p *eventPrinter) Presence(e core.PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence.Fprintf(p.w, "%s %s %s occupancy=%d\n", e.Channel, e.Action, e.UUID, e.Occupancy)
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		meta    map[string]string
		noStore bool
		ttl     int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <channel> <message>",
		Short: "Publish one message and print its timetoken",
		Long:  `The message is sent as JSON when it parses as JSON and as a string otherwise.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, _, err := flags.client()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := client.Publish(ctx, pubsub.PublishInput{
				Channel: args[0],
				Message: bridge.MessageFor([]byte(args[1])),
				Meta:    meta,
				NoStore: noStore,
				TTL:     ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatInt(res.Timetoken, 10))
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringToStringVar(&meta, "meta", nil, "message meta as key=value pairs")
	fs.BoolVar(&noStore, "no-store", false, "do not keep the message in history")
	fs.IntVar(&ttl, "ttl", 0, "history ttl in hours (0 uses the configured default)")
	fs.DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
	return cmd
}

func newTimeCmd(flags *globalFlags) *cobra.Command {
	var human bool

	cmd := &cobra.Command{
		Use:   "time",
		Short: "Print the service timetoken",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, _, err := flags.client()
			if err != nil {
				return err
			}
			defer client.Close()

			tt, err := client.Time(cmd.Context())
			if err != nil {
				return err
			}
			if human {
				fmt.Fprintln(cmd.OutOrStdout(), time.Unix(0, tt*100).UTC().Format(time.RFC3339Nano))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), tt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&human, "human", false, "print the timetoken as an RFC 3339 time")
	return cmd
}
