package service

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/model"
)

// Launcher starts the storage node process of a fleet member
type Launcher interface {
	Launch(ctx context.Context, node model.StorageNode) error
}

// SSHLauncher starts nodes on their host through ssh. The remote command is
// detached, so Launch returns once ssh exits.
type SSHLauncher struct {
	user      string
	binary    string
	zkServers []string
	logger    *zap.Logger
	command   func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewSSHLauncher creates a launcher running binary on each node's host
func NewSSHLauncher(user, binary string, zkServers []string, logger *zap.Logger) *SSHLauncher {
	return &SSHLauncher{
		user:      user,
		binary:    binary,
		zkServers: zkServers,
		logger:    logger,
		command:   exec.CommandContext,
	}
}

// Args returns the ssh arguments used to launch node
func (l *SSHLauncher) Args(node model.StorageNode) []string {
	target := node.Host
	if l.user != "" {
		target = l.user + "@" + node.Host
	}
	remote := []string{
		"nohup", l.binary,
		"-name", node.Name,
		"-port", strconv.Itoa(node.Port),
		"-zk", strings.Join(l.zkServers, ","),
		">/dev/null", "2>&1", "&",
	}
	return []string{"-n", "-o", "StrictHostKeyChecking=no", target, strings.Join(remote, " ")}
}

// Launch runs the remote start command
func (l *SSHLauncher) Launch(ctx context.Context, node model.StorageNode) error {
	cmd := l.command(ctx, "ssh", l.Args(node)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to launch %s on %s: %w: %s", node.Name, node.Host, err, strings.TrimSpace(string(out)))
	}
	l.logger.Info("Launched storage node",
		zap.String("node", node.Name),
		zap.String("host", node.Host),
		zap.Int("port", node.Port))
	return nil
}

// StartFunc starts a storage node inside the current process
type StartFunc func(ctx context.Context, node model.StorageNode) error

// LocalLauncher runs nodes in process, for single-machine clusters and tests
type LocalLauncher struct {
	start  StartFunc
	logger *zap.Logger
}

// NewLocalLauncher creates a launcher delegating to start
func NewLocalLauncher(start StartFunc, logger *zap.Logger) *LocalLauncher {
	return &LocalLauncher{start: start, logger: logger}
}

// Launch starts node in process
func (l *LocalLauncher) Launch(ctx context.Context, node model.StorageNode) error {
	if err := l.start(ctx, node); err != nil {
		return fmt.Errorf("failed to start %s locally: %w", node.Name, err)
	}
	l.logger.Info("Started in-process storage node",
		zap.String("node", node.Name),
		zap.Int("port", node.Port))
	return nil
}
