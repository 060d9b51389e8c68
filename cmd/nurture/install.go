package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"
)

func newInstallCommand() *cli.Command {
	return &cli.Command{
		Name:  "install",
		Usage: "Write the resolved configuration to the settings file and reload a running server",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cmd.String("config")
			if err := writeSettings(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "Config written to %s\n", path)
			if pid, ok := signalRunningServer(); ok {
				fmt.Fprintf(cmd.Root().Writer, "Signaled running server (PID %d) to reload configuration\n", pid)
			}
			return nil
		},
	}
}

// writeSettings persists cfg without credentials; those stay in the
// environment.
func writeSettings(path string, cfg Config) error {
	cfg.SendToken = ""
	cfg.AIKey = ""
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create settings directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running nurture server (via pidfile).
func signalRunningServer() (int, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, false
	}
	return pid, true
}
