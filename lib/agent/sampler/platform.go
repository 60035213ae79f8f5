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

package sampler

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	gopsutilnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// WindowInfo describes the currently focused top-level window.
type WindowInfo struct {
	// Process is the name of the process owning the window.
	Process string
	// Title is the window title.
	Title string
	// Principal is the OS login the window session belongs to.
	Principal string
}

// ProcessInfo describes one running process.
type ProcessInfo struct {
	PID  int32
	Name string
	// Principal is the OS login the process runs as. May be empty when
	// the owner cannot be resolved.
	Principal string
	// StartedAt distinguishes process runs across PID reuse.
	StartedAt time.Time
}

// ConnectionInfo describes one established outbound connection.
type ConnectionInfo struct {
	// Process is the name of the owning process, when resolvable.
	Process string
	// RemoteAddr is the remote endpoint in host:port form.
	RemoteAddr string
	// Principal is the OS login of the owning process, when resolvable.
	Principal string
}

// Platform abstracts the OS probes the sampler relies on. The host
// implementation is backed by gopsutil; tests substitute a fake.
type Platform interface {
	// ForegroundWindow resolves the currently focused top-level window.
	// Returns NotFound when no focus is resolvable (locked workstation,
	// no interactive session) and NotImplemented on platforms without a
	// foreground probe.
	ForegroundWindow(ctx context.Context) (*WindowInfo, error)
	// Processes enumerates running processes.
	Processes(ctx context.Context) ([]ProcessInfo, error)
	// Connections enumerates established outbound TCP connections to
	// non-loopback remotes.
	Connections(ctx context.Context) ([]ConnectionInfo, error)
}

// NewHostPlatform returns the gopsutil-backed platform for this OS.
func NewHostPlatform() Platform {
	return &hostPlatform{}
}

type hostPlatform struct{}

func (p *hostPlatform) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil || name == "" {
			// Processes exit mid-scan. Skip what can no longer be read.
			continue
		}
		info := ProcessInfo{PID: proc.Pid, Name: name}
		if username, err := proc.UsernameWithContext(ctx); err == nil {
			info.Principal = username
		}
		if created, err := proc.CreateTimeWithContext(ctx); err == nil {
			info.StartedAt = time.UnixMilli(created).UTC()
		}
		out = append(out, info)
	}
	return out, nil
}

func (p *hostPlatform) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	conns, err := gopsutilnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// One scan hits the same few processes many times over.
	owners := make(map[int32]procIdentity)
	out := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		if conn.Status != "ESTABLISHED" {
			continue
		}
		if conn.Raddr.IP == "" || isLoopback(conn.Raddr.IP) {
			continue
		}
		info := ConnectionInfo{
			RemoteAddr: net.JoinHostPort(conn.Raddr.IP, strconv.FormatUint(uint64(conn.Raddr.Port), 10)),
		}
		if conn.Pid != 0 {
			owner, ok := owners[conn.Pid]
			if !ok {
				owner = resolveProcess(ctx, conn.Pid)
				owners[conn.Pid] = owner
			}
			info.Process = owner.name
			info.Principal = owner.principal
		}
		out = append(out, info)
	}
	return out, nil
}

type procIdentity struct {
	name      string
	principal string
}

func resolveProcess(ctx context.Context, pid int32) procIdentity {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return procIdentity{}
	}
	var owner procIdentity
	if name, err := proc.NameWithContext(ctx); err == nil {
		owner.name = name
	}
	if username, err := proc.UsernameWithContext(ctx); err == nil {
		owner.principal = username
	}
	return owner
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
