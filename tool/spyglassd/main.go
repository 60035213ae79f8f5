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

// Command spyglassd runs the Spyglass ingestion server and administers
// tenants in its storage backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/asciitable"
	"github.com/spyglasshq/spyglass/lib/config"
	"github.com/spyglasshq/spyglass/lib/service"
	"github.com/spyglasshq/spyglass/lib/services/local"
	"github.com/spyglasshq/spyglass/lib/types"
	"github.com/spyglasshq/spyglass/lib/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(args []string) error {
	app := utils.InitCLIParser("spyglassd", "Spyglass workstation telemetry ingestion server.")

	var start startCommand
	startCmd := app.Command("start", "Start the ingestion server.")
	startCmd.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&start.configPath)
	startCmd.Flag("listen", "API listen address, overrides the configuration file.").StringVar(&start.listenAddr)
	startCmd.Flag("diag-addr", "Diagnostics listen address, overrides the configuration file.").StringVar(&start.diagAddr)
	startCmd.Flag("debug", "Verbose logging, plus pprof on the diagnostics listener.").Short('d').BoolVar(&start.debug)

	var tenants tenantsCommand
	tenantsCmd := app.Command("tenants", "Administer tenants in the storage backend. Run against a stopped server: the lite backend is single-writer.")
	tenantsCmd.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&tenants.configPath)

	tenantsAdd := tenantsCmd.Command("add", "Provision a tenant and print its api key.")
	tenantsAdd.Flag("name", "Tenant name.").Required().StringVar(&tenants.name)
	tenantsAdd.Flag("email", "Operator contact for the tenant.").StringVar(&tenants.email)
	tenantsAdd.Flag("rate-class", "Rate class: default, high or unlimited.").Default(types.RateClassDefault).StringVar(&tenants.rateClass)

	tenantsList := tenantsCmd.Command("ls", "List tenants. Api keys are not shown.")

	tenantsRotate := tenantsCmd.Command("rotate-key", "Rotate a tenant's api key and print the new one.")
	tenantsRotate.Flag("id", "Tenant id.").Required().StringVar(&tenants.id)

	tenantsRemove := tenantsCmd.Command("rm", "Delete a tenant. Cascades over its users, identities and stored events.")
	tenantsRemove.Flag("id", "Tenant id.").Required().StringVar(&tenants.id)

	versionCmd := app.Command("version", "Print the version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(start.run(ctx))
	case tenantsAdd.FullCommand():
		return trace.Wrap(tenants.add(ctx))
	case tenantsList.FullCommand():
		return trace.Wrap(tenants.list(ctx))
	case tenantsRotate.FullCommand():
		return trace.Wrap(tenants.rotateKey(ctx))
	case tenantsRemove.FullCommand():
		return trace.Wrap(tenants.remove(ctx))
	case versionCmd.FullCommand():
		fmt.Printf("spyglassd v%v\n", spyglass.Version)
		return nil
	}
	return nil
}

type startCommand struct {
	configPath string
	listenAddr string
	diagAddr   string
	debug      bool
}

func (c *startCommand) run(ctx context.Context) error {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	// Command line flags win over the configuration file.
	if c.listenAddr != "" {
		cfg.ListenAddr = c.listenAddr
	}
	if c.diagAddr != "" {
		cfg.DiagAddr = c.diagAddr
	}
	if c.debug {
		cfg.Debug = true
		cfg.Log.Severity = "debug"
	}
	return trace.Wrap(service.Run(ctx, *cfg))
}

type tenantsCommand struct {
	configPath string
	name       string
	email      string
	rateClass  string
	id         string
}

func (c *tenantsCommand) add(ctx context.Context) error {
	svc, closeBackend, err := c.connect(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer closeBackend()

	tenant, err := svc.CreateTenant(ctx, types.Tenant{
		Name:         c.name,
		ContactEmail: c.email,
		RateClass:    c.rateClass,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Tenant %q provisioned.\n\n", tenant.Name)
	fmt.Printf("ID:      %v\n", tenant.ID)
	fmt.Printf("API key: %v\n\n", tenant.APIKey)
	fmt.Println("Put the key in each agent's configuration as api_key.")
	return nil
}

func (c *tenantsCommand) list(ctx context.Context) error {
	svc, closeBackend, err := c.connect(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer closeBackend()

	tenants, err := svc.ListTenants(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	table := asciitable.MakeTable([]string{"ID", "Name", "Rate Class", "Created"})
	for _, tenant := range tenants {
		table.AddRow([]string{
			string(tenant.ID),
			tenant.Name,
			tenant.RateClass,
			tenant.CreatedAt.Format("2006-01-02 15:04:05 UTC"),
		})
	}
	fmt.Print(table.String())
	return nil
}

func (c *tenantsCommand) rotateKey(ctx context.Context) error {
	svc, closeBackend, err := c.connect(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer closeBackend()

	tenant, err := svc.RotateAPIKey(ctx, types.TenantID(c.id))
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("API key rotated for tenant %q.\n\n", tenant.Name)
	fmt.Printf("New API key: %v\n\n", tenant.APIKey)
	fmt.Println("Agents still holding the old key will queue durably until reconfigured.")
	return nil
}

func (c *tenantsCommand) remove(ctx context.Context) error {
	svc, closeBackend, err := c.connect(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer closeBackend()

	if err := svc.DeleteTenant(ctx, types.TenantID(c.id)); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Tenant %v deleted.\n", c.id)
	return nil
}

// connect opens the configured storage backend directly, without a running
// server.
func (c *tenantsCommand) connect(ctx context.Context) (*local.Service, func(), error) {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	bk, err := service.NewBackend(ctx, *cfg)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return local.New(bk), func() { bk.Close() }, nil
}

func loadConfig(path string) (*service.Config, error) {
	var cfg service.Config
	if path == "" {
		return &cfg, nil
	}
	fc, err := config.ReadFromFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := config.Apply(fc, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
