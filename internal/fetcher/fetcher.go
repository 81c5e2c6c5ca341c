// Package fetcher pulls raw state and liveness information from source
// nodes. The transport is an external command per node (vagrant ssh by
// default) treated as an opaque collaborator: the fetcher only interprets
// its output.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mirageops/mirage/api/schemas"
	"github.com/mirageops/mirage/internal/config"
)

// Runner executes one transport command against a node and returns its
// combined output.
type Runner interface {
	Run(ctx context.Context, node, command string) ([]byte, error)
}

// ExecRunner runs transport commands through the shell with the node's
// registry directory as working directory.
type ExecRunner struct {
	nodesDir string
}

// NewExecRunner creates a runner rooted at the given node registry directory.
func NewExecRunner(nodesDir string) *ExecRunner {
	return &ExecRunner{nodesDir: nodesDir}
}

// Run executes the command for the node. The context bounds the whole
// invocation; an expired context kills the process.
func (r *ExecRunner) Run(ctx context.Context, node, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = filepath.Join(r.nodesDir, node)
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("command failed on node %s: %w", node, err)
	}
	return out, nil
}

// Fetcher probes nodes for liveness, reads their replicated state blobs, and
// collects inventory detail for the status loop.
type Fetcher struct {
	runner Runner
	cfg    config.FetchConfig
	log    *zap.Logger
}

// New builds a fetcher over the given transport runner.
func New(runner Runner, cfg config.FetchConfig, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		runner: runner,
		cfg:    cfg,
		log:    logger.Named("fetcher"),
	}
}

// probeRunning reports whether the node's probe output shows a running
// machine. Output follows vagrant's machine-readable format, one
// comma-separated record per line.
func probeRunning(out []byte) bool {
	return bytes.Contains(out, []byte("state-running,running")) ||
		bytes.Contains(out, []byte(",state,running"))
}

// FetchState probes the node and, when it is running, reads and decodes its
// replicated state. Returns (nil, false, nil) for nodes that are down or
// have not initialized state yet; transport errors on the probe are treated
// as the node being down.
func (f *Fetcher) FetchState(ctx context.Context, node string) (*schemas.Snapshot, bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()
	out, err := f.runner.Run(probeCtx, node, f.cfg.ProbeCommand)
	if err != nil || !probeRunning(out) {
		if err != nil {
			f.log.Debug("Node probe failed", zap.String("node", node), zap.Error(err))
		}
		return nil, false, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, f.cfg.ReadTimeout)
	defer cancel()
	raw, err := f.runner.Run(readCtx, node, f.cfg.StateCommand)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read state from %s: %w", node, err)
	}

	snap, err := schemas.DecodeSnapshot(raw)
	if err != nil {
		return nil, true, fmt.Errorf("failed to decode state from %s: %w", node, err)
	}
	if snap != nil && snap.NodeID == "" {
		snap.NodeID = node
	}
	return snap, true, nil
}

// parseReplicaStats reads the "Key: value" lines the node stats helper
// prints. Unknown lines are ignored; an ERROR marker yields nil.
func parseReplicaStats(out []byte) *schemas.ReplicaStats {
	text := strings.TrimSpace(string(out))
	if text == "" || strings.Contains(text, "ERROR") {
		return nil
	}
	stats := &schemas.ReplicaStats{}
	found := false
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Attackers":
			stats.Attackers, _ = strconv.Atoi(value)
			found = true
		case "Credentials":
			stats.Credentials, _ = strconv.Atoi(value)
			found = true
		case "Sessions":
			stats.Sessions, _ = strconv.Atoi(value)
			found = true
		case "State hash":
			stats.StateHash = value
			found = true
		}
	}
	if !found {
		return nil
	}
	return stats
}

// parseContainers reads the pipe-separated docker ps lines
// (id|name|image|status|ports|created). Short or empty lines are skipped.
func parseContainers(out []byte) []schemas.Container {
	var containers []schemas.Container
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		c := schemas.Container{
			ID:     fields[0],
			Name:   fields[1],
			Image:  fields[2],
			Status: fields[3],
		}
		if len(fields) > 4 && fields[4] != "" {
			c.Ports = strings.Split(fields[4], ",")
			for i := range c.Ports {
				c.Ports[i] = strings.TrimSpace(c.Ports[i])
			}
		}
		if len(fields) > 5 {
			c.Created = fields[5]
		}
		containers = append(containers, c)
	}
	return containers
}

// FetchStatus collects the liveness and inventory record for one node. It
// never fails outright: a node that cannot be probed comes back with
// status=error, and detail commands that fail just leave their fields empty.
func (f *Fetcher) FetchStatus(ctx context.Context, node string, at time.Time) *schemas.NodeStatus {
	status := &schemas.NodeStatus{
		Name:     node,
		Hostname: node,
		Status:   schemas.NodeUnknown,
		LastSeen: at,
	}

	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()
	out, err := f.runner.Run(probeCtx, node, f.cfg.ProbeCommand)
	if err != nil {
		status.Status = schemas.NodeError
		return status
	}
	if !probeRunning(out) {
		status.Status = schemas.NodeStopped
		return status
	}
	status.Status = schemas.NodeRunning

	readCtx, cancel := context.WithTimeout(ctx, f.cfg.ReadTimeout)
	defer cancel()

	if out, err := f.runner.Run(readCtx, node, f.cfg.IPCommand); err == nil {
		if fields := strings.Fields(string(out)); len(fields) > 0 {
			status.IP = fields[0]
		}
	} else {
		f.log.Debug("IP lookup failed", zap.String("node", node), zap.Error(err))
	}

	if out, err := f.runner.Run(readCtx, node, f.cfg.StatsCommand); err == nil {
		status.Replica = parseReplicaStats(out)
	} else {
		f.log.Debug("Stats fetch failed", zap.String("node", node), zap.Error(err))
	}

	if out, err := f.runner.Run(readCtx, node, f.cfg.ContainersCommand); err == nil {
		status.Containers = parseContainers(out)
	} else {
		f.log.Debug("Container listing failed", zap.String("node", node), zap.Error(err))
	}

	return status
}
