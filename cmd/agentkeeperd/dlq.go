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
	"encoding/json"
	"fmt"
	"time"

	"github.com/pcharbon70/agentkeeper/agentruntime"
	"github.com/pcharbon70/agentkeeper/config"
	"github.com/pcharbon70/agentkeeper/journal"
	"github.com/pcharbon70/agentkeeper/manager"
	"github.com/pcharbon70/agentkeeper/observability"
	"github.com/pcharbon70/agentkeeper/store"
)

// DLQCmd groups operator commands over a journal's dead-letter queue.
type DLQCmd struct {
	List   DLQListCmd   `cmd:"" help:"List dead-lettered entries for a subscription."`
	Replay DLQReplayCmd `cmd:"" help:"Redeliver one dead-lettered entry and drop it on success."`
	Delete DLQDeleteCmd `cmd:"" help:"Drop one dead-lettered entry without redelivering it."`
	Clear  DLQClearCmd  `cmd:"" help:"Drop every dead-lettered entry for a subscription."`
}

func openJournal(cli *CLI) (*config.Config, *journal.Journal, store.Store, error) {
	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewFromConfig(cfg.Store)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building store: %w", err)
	}
	return cfg, journal.New(st), st, nil
}

// DLQListCmd prints a subscription's dead-letter entries as JSON.
type DLQListCmd struct {
	Subscription string `arg:"" help:"Subscription ID whose dead-letter queue to list."`
}

func (c *DLQListCmd) Run(cli *CLI) error {
	_, j, _, err := openJournal(cli)
	if err != nil {
		return err
	}
	entries, err := j.DLQList(context.Background(), c.Subscription)
	if err != nil {
		return fmt.Errorf("listing dlq entries: %w", err)
	}
	if len(entries) == 0 {
		fmt.Printf("no dead-lettered entries for subscription %q\n", c.Subscription)
		return nil
	}
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting dlq entries: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// DLQDeleteCmd drops a single dead-lettered entry.
type DLQDeleteCmd struct {
	Subscription string `arg:"" help:"Subscription ID the entry belongs to."`
	EntryID      string `arg:"" help:"Entry ID to drop."`
}

func (c *DLQDeleteCmd) Run(cli *CLI) error {
	_, j, _, err := openJournal(cli)
	if err != nil {
		return err
	}
	if err := j.DLQDelete(context.Background(), c.Subscription, c.EntryID); err != nil {
		return fmt.Errorf("deleting dlq entry: %w", err)
	}
	fmt.Printf("deleted dlq entry %q for subscription %q\n", c.EntryID, c.Subscription)
	return nil
}

// DLQClearCmd drops every dead-lettered entry for a subscription.
type DLQClearCmd struct {
	Subscription string `arg:"" help:"Subscription ID whose dead-letter queue to clear."`
}

func (c *DLQClearCmd) Run(cli *CLI) error {
	_, j, _, err := openJournal(cli)
	if err != nil {
		return err
	}
	if err := j.DLQClear(context.Background(), c.Subscription); err != nil {
		return fmt.Errorf("clearing dlq: %w", err)
	}
	fmt.Printf("cleared dlq for subscription %q\n", c.Subscription)
	return nil
}

// DLQReplayCmd redelivers one dead-lettered entry's payload to its
// subscription, treated as a manager key, through an ad-hoc manager built
// from the same config as serve. On success the entry is dropped from the
// dead-letter queue; on failure it is left in place for a later retry.
type DLQReplayCmd struct {
	Subscription string `arg:"" help:"Subscription ID the entry belongs to; also used as the agent key."`
	EntryID      string `arg:"" help:"Entry ID to redeliver."`
}

func (c *DLQReplayCmd) Run(cli *CLI) error {
	cfg, j, st, err := openJournal(cli)
	if err != nil {
		return err
	}

	entries, err := j.DLQList(context.Background(), c.Subscription)
	if err != nil {
		return fmt.Errorf("listing dlq entries: %w", err)
	}
	var target *journal.DLQEntry
	for i := range entries {
		if entries[i].EntryID == c.EntryID {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no dlq entry %q for subscription %q", c.EntryID, c.Subscription)
	}

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
		IdleTimeout:         cfg.Manager.IdleTimeout,
		Store:               st,
		Recorder:            obsMgr.Recorder(),
		Tracer:              obsMgr.Tracer(),
		MaxConcurrentStarts: cfg.Manager.MaxConcurrentStarts,
		EvictionInterval:    cfg.Manager.EvictionInterval,
		DelayedCleanup:      cfg.Manager.DelayedCleanup,
		RestartWindow:       cfg.Manager.RestartWindow,
		MaxRestarts:         cfg.Manager.MaxRestarts,
	})
	defer mgr.Close(context.Background())

	handle, err := mgr.Get(ctx, c.Subscription, manager.GetOptions{})
	if err != nil {
		return fmt.Errorf("starting key %q: %w", c.Subscription, err)
	}
	handle.Attach()
	defer handle.Detach()

	if _, err := handle.Runtime().Call(ctx, agentruntime.Event{Kind: "dlq_replay", Payload: target.Payload}, 10*time.Second); err != nil {
		return fmt.Errorf("redelivering entry: %w", err)
	}

	if err := j.DLQDelete(ctx, c.Subscription, c.EntryID); err != nil {
		return fmt.Errorf("entry redelivered but failed to drop from dlq: %w", err)
	}
	fmt.Printf("replayed dlq entry %q for subscription %q\n", c.EntryID, c.Subscription)
	return nil
}
