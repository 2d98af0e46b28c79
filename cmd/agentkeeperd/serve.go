// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pcharbon70/agentkeeper/agentruntime"
	"github.com/pcharbon70/agentkeeper/config"
	"github.com/pcharbon70/agentkeeper/journal"
	"github.com/pcharbon70/agentkeeper/manager"
	"github.com/pcharbon70/agentkeeper/observability"
	"github.com/pcharbon70/agentkeeper/store"
)

// ServeCmd starts an ad-hoc Manager against the configured store and holds
// it open until interrupted. It exists for local testing of a config file
// and a store backend; it carries no domain agent logic of its own.
type ServeCmd struct {
	Key string `arg:"" optional:"" help:"If given, get/attach this key at startup and print its status."`
}

// echoStep is the illustrative default StepFunc used by the serve command
// when no BYO agent module is wired in: it moves idle->working on any
// "ping" event, echoes the payload back as a "pong" output event, and
// returns to idle. It is a test/demo aid only, not domain logic.
func echoStep(_ context.Context, state agentruntime.AgentState, event agentruntime.Event) (agentruntime.AgentState, []agentruntime.Event, []agentruntime.Directive) {
	next := state.Clone()
	switch event.Kind {
	case "ping":
		next.Status = agentruntime.StatusWorking
		out := agentruntime.Event{Kind: "pong", Payload: event.Payload}
		next.Status = agentruntime.StatusIdle
		return next, []agentruntime.Event{out}, nil
	case "stop":
		next.Status = agentruntime.StatusTerminating
		return next, nil, []agentruntime.Directive{{Kind: agentruntime.DirectiveStopSelf, Reason: "requested"}}
	default:
		return next, nil, nil
	}
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewFromConfig(cfg.Store)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}
	j := journal.New(st)

	ctx := context.Background()
	obsMgr, err := observability.NewManager(ctx, &cfg.Global.Observability)
	if err != nil {
		return fmt.Errorf("building observability manager: %w", err)
	}
	defer obsMgr.Shutdown(ctx)

	mgr := manager.New(manager.Config{
		Name:        cfg.Name,
		AgentModule: cfg.Manager.AgentModule,
		Factory: func(key string, initial agentruntime.AgentState) agentruntime.Config {
			return agentruntime.Config{
				Key:         key,
				AgentModule: cfg.Manager.AgentModule,
				Step:        echoStep,
				Store:       st,
				Journal:     j,
				Recorder:    obsMgr.Recorder(),
				Tracer:      obsMgr.Tracer(),
			}
		},
		IdleTimeout:          cfg.Manager.IdleTimeout,
		Store:                st,
		Recorder:             obsMgr.Recorder(),
		Tracer:               obsMgr.Tracer(),
		MaxConcurrentStarts:  cfg.Manager.MaxConcurrentStarts,
		EvictionInterval:     cfg.Manager.EvictionInterval,
		DelayedCleanup:       cfg.Manager.DelayedCleanup,
		RestartWindow:        cfg.Manager.RestartWindow,
		MaxRestarts:          cfg.Manager.MaxRestarts,
	})

	slog.Info("agentkeeperd: manager started", "name", cfg.Name, "agent_module", cfg.Manager.AgentModule)

	if c.Key != "" {
		handle, err := mgr.Get(ctx, c.Key, manager.GetOptions{})
		if err != nil {
			return fmt.Errorf("get %q: %w", c.Key, err)
		}
		handle.Attach()
		fmt.Printf("key=%s status=%s\n", handle.Key, handle.Status())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("agentkeeperd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return mgr.Close(shutdownCtx)
}
