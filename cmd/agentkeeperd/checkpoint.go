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

	"github.com/pcharbon70/agentkeeper/agentruntime"
	"github.com/pcharbon70/agentkeeper/config"
	"github.com/pcharbon70/agentkeeper/serialize"
	"github.com/pcharbon70/agentkeeper/store"
)

// CheckpointCmd groups operator commands over a store's checkpoint data.
type CheckpointCmd struct {
	Inspect CheckpointInspectCmd `cmd:"" help:"Print a key's stored checkpoint as JSON."`
	Delete  CheckpointDeleteCmd  `cmd:"" help:"Delete a key's stored checkpoint."`
}

// CheckpointInspectCmd prints the decoded AgentState stored for a key.
type CheckpointInspectCmd struct {
	Key string `arg:"" help:"Logical key whose checkpoint to inspect."`
}

func (c *CheckpointInspectCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewFromConfig(cfg.Store)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}

	data, found, err := st.GetCheckpoint(context.Background(), store.CheckpointKey{
		AgentModule: cfg.Manager.AgentModule,
		LogicalKey:  c.Key,
	})
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	if !found {
		fmt.Printf("no checkpoint found for key %q\n", c.Key)
		return nil
	}

	var state agentruntime.AgentState
	if err := serialize.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decoding checkpoint: %w", err)
	}

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting checkpoint: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// CheckpointDeleteCmd removes a key's stored checkpoint, forcing the next
// Get to cold-start a fresh agent.
type CheckpointDeleteCmd struct {
	Key string `arg:"" help:"Logical key whose checkpoint to delete."`
}

func (c *CheckpointDeleteCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewFromConfig(cfg.Store)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}

	if err := st.DeleteCheckpoint(context.Background(), store.CheckpointKey{
		AgentModule: cfg.Manager.AgentModule,
		LogicalKey:  c.Key,
	}); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	fmt.Printf("deleted checkpoint for key %q\n", c.Key)
	return nil
}
