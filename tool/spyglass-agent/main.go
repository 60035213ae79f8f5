// Spyglass
// Copyright (C) 2025 Spyglass, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command spyglass-agent runs the Spyglass endpoint agent and inspects
// its durable queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/agent"
	"github.com/spyglasshq/spyglass/lib/agent/queue"
	"github.com/spyglasshq/spyglass/lib/agent/transport"
	"github.com/spyglasshq/spyglass/lib/asciitable"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/utils"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

// Exit codes are part of the CLI contract; deployment scripts branch on
// them.
const (
	exitOK           = 0
	exitConfig       = 2
	exitUnauthorized = 3
	exitUnreachable  = 4
	exitInternal     = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := utils.InitCLIParser("spyglass-agent", "Spyglass workstation telemetry agent.")

	var cmd agentCommand
	runCmd := app.Command("run", "Run the agent.")
	runCmd.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&cmd.configPath)
	runCmd.Flag("data-dir", "Durable queue directory, overrides the configuration file.").StringVar(&cmd.dataDir)
	runCmd.Flag("debug", "Verbose logging to stderr.").Short('d').BoolVar(&cmd.debug)

	testCmd := app.Command("test-connection", "Probe the ingest server and check the api key.")
	testCmd.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&cmd.configPath)

	showCmd := app.Command("show-queue", "Print durable queue counts and recent dead letters.")
	showCmd.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&cmd.configPath)
	showCmd.Flag("data-dir", "Durable queue directory, overrides the configuration file.").StringVar(&cmd.dataDir)

	drainCmd := app.Command("drain", "Ship queued events now and exit.")
	drainCmd.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&cmd.configPath)
	drainCmd.Flag("data-dir", "Durable queue directory, overrides the configuration file.").StringVar(&cmd.dataDir)
	drainCmd.Flag("timeout", "Seconds to keep delivering before giving up.").Default("30").IntVar(&cmd.timeoutSeconds)

	versionCmd := app.Command("version", "Print the version.")

	command, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, utils.UserMessageFromError(trace.Wrap(err)))
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cmdErr error
	switch command {
	case runCmd.FullCommand():
		cmdErr = cmd.run(ctx)
	case testCmd.FullCommand():
		cmdErr = cmd.testConnection(ctx)
	case showCmd.FullCommand():
		cmdErr = cmd.showQueue()
	case drainCmd.FullCommand():
		cmdErr = cmd.drain(ctx)
	case versionCmd.FullCommand():
		fmt.Printf("spyglass-agent v%v\n", spyglass.Version)
	}
	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, utils.UserMessageFromError(cmdErr))
		return exitCode(cmdErr)
	}
	return exitOK
}

// exitCode maps an error to the exit code contract. Configuration
// problems and missing files read as config errors; everything the
// network or the server did wrong keeps its own class.
func exitCode(err error) int {
	switch {
	case trace.IsBadParameter(err), trace.IsNotFound(err):
		return exitConfig
	case trace.IsAccessDenied(err):
		return exitUnauthorized
	case trace.IsConnectionProblem(err), errors.Is(err, context.DeadlineExceeded):
		return exitUnreachable
	default:
		return exitInternal
	}
}

type agentCommand struct {
	configPath     string
	dataDir        string
	debug          bool
	timeoutSeconds int
}

// loadConfig reads the configuration file, if any, and applies command
// line overrides. Validation happens in agent.New.
func (c *agentCommand) loadConfig() (*agent.Config, error) {
	var cfg agent.Config
	if c.configPath != "" {
		fc, err := agent.ReadFromFile(c.configPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := agent.Apply(fc, &cfg); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	return &cfg, nil
}

func (c *agentCommand) run(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return trace.Wrap(err)
	}

	severity := "info"
	if c.debug {
		severity = "debug"
	}
	logger, err := logutils.Initialize(logutils.Config{Severity: severity})
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Logger = logger.With(spyglass.ComponentKey, spyglass.ComponentAgent)

	a, err := agent.New(*cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(a.Run(ctx))
}

func (c *agentCommand) testConnection(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return trace.Wrap(err)
	}
	if cfg.APIURL == "" || cfg.APIKey == "" {
		return trace.BadParameter("api_url and api_key must be configured, see --config")
	}

	fmt.Printf("Probing %v ...\n", cfg.APIURL)
	probeCtx, cancel := context.WithTimeout(ctx, defaults.ConnectTimeout)
	defer cancel()
	if err := transport.Probe(probeCtx, cfg.APIURL, cfg.APIKey); err != nil {
		return trace.Wrap(err)
	}
	fmt.Println("Connection OK: server reachable, api key accepted.")
	return nil
}

func (c *agentCommand) showQueue() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return trace.Wrap(err)
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = defaults.DataDir
	}

	// Inspection does not need credentials, only the queue directory.
	// Fails when an agent holds the queue lock.
	q, err := queue.Open(queue.Config{Dir: dir, Logger: logutils.DiscardLogger})
	if err != nil {
		return trace.Wrap(err)
	}
	defer q.Close()

	fmt.Printf("Queue directory: %v\n", dir)
	fmt.Printf("Pending events:  %v\n", humanize.Comma(int64(q.Size())))
	fmt.Printf("Dead letters:    %v\n", humanize.Comma(int64(q.DeadLetterSize())))
	fmt.Printf("On disk:         %v\n\n", humanize.IBytes(dirUsage(dir)))

	letters, err := q.DeadLetters()
	if err != nil {
		return trace.Wrap(err)
	}
	if len(letters) == 0 {
		return nil
	}
	// The tail is where the recent rejections are.
	const show = 10
	if len(letters) > show {
		letters = letters[len(letters)-show:]
	}
	table := asciitable.MakeTable([]string{"Kind", "Subject", "Retries", "Last Error"})
	for _, letter := range letters {
		table.AddRow([]string{
			letter.Event.Kind,
			letter.Event.Subject,
			fmt.Sprintf("%d", letter.Retries),
			letter.LastError,
		})
	}
	fmt.Printf("Most recent dead letters:\n%v", table.String())
	return nil
}

func (c *agentCommand) drain(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return trace.Wrap(err)
	}
	a, err := agent.New(*cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer a.Close()

	pending := a.Queue().Size()
	if pending == 0 {
		fmt.Println("Queue is empty, nothing to drain.")
		return nil
	}
	fmt.Printf("Draining %v queued events ...\n", humanize.Comma(int64(pending)))

	drainCtx, cancel := context.WithTimeout(ctx, time.Duration(c.timeoutSeconds)*time.Second)
	defer cancel()
	if err := a.Drain(drainCtx); err != nil {
		return trace.Wrap(err, "%v events still queued", a.Queue().Size())
	}
	fmt.Println("Queue drained.")
	return nil
}

// dirUsage sums the queue log sizes. Best effort: inspection output, not
// accounting.
func dirUsage(dir string) uint64 {
	var total uint64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		info, err := os.Stat(filepath.Join(dir, entry.Name()))
		if err != nil || info.IsDir() {
			continue
		}
		total += uint64(info.Size())
	}
	return total
}
