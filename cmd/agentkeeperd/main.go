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

// Command agentkeeperd is a debug CLI over the agent instance manager's
// library surface: it is not a required part of the manager, only a thin
// operator wrapper (inspect checkpoints, list/replay the dead-letter
// queue, run an ad-hoc manager locally).
//
// Usage:
//
//	agentkeeperd serve --config config.yaml
//	agentkeeperd checkpoint inspect --config config.yaml my-session
//	agentkeeperd dlq list --config config.yaml my-subscription
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve      ServeCmd      `cmd:"" help:"Start an ad-hoc manager against the configured store."`
	Checkpoint CheckpointCmd `cmd:"" help:"Inspect persisted checkpoints."`
	DLQ        DLQCmd        `cmd:"" help:"List, replay, or clear dead-lettered journal entries."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" required:""`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Println("agentkeeperd (dev)")
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentkeeperd"),
		kong.Description("Debug CLI for the agent instance manager."),
		kong.UsageOnError(),
	)

	if err := initLogging(cli.LogLevel, cli.LogFile, cli.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
