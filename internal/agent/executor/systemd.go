package executor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type SystemdManager struct {
	exec *Executor
}

func NewSystemdManager(sudo bool) *SystemdManager {
	return &SystemdManager{exec: NewExecutor(30*time.Second, sudo)}
}

// EnableAndStart reloads unit files, then enables and (re)starts unit.
func (s *SystemdManager) EnableAndStart(ctx context.Context, unit string) error {
	if err := validateUnitName(unit); err != nil {
		return err
	}
	if err := s.runSystemctl(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload failed: %w", err)
	}
	if err := s.runSystemctl(ctx, "enable", unit); err != nil {
		return fmt.Errorf("enable failed: %w", err)
	}
	if err := s.runSystemctl(ctx, "restart", unit); err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}
	return nil
}

func (s *SystemdManager) runSystemctl(ctx context.Context, args ...string) error {
	res, err := s.exec.Execute(ctx, "systemctl "+strings.Join(args, " "), 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("systemctl exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	return nil
}

func validateUnitName(name string) error {
	if name == "" {
		return fmt.Errorf("unit name cannot be empty")
	}
	if strings.ContainsAny(name, ";&|`$(){}[]<>\\\"' ") {
		return fmt.Errorf("invalid characters in unit name")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("unit name cannot contain path separators")
	}
	return nil
}
