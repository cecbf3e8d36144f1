package hardware

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// DefaultGovernorPath is cpu0's scaling governor in sysfs.
const DefaultGovernorPath = "/sys/devices/system/cpu/cpu0/cpufreq/scaling_governor"

var knownGovernors = map[string]bool{
	"ondemand":     true,
	"powersave":    true,
	"performance":  true,
	"conservative": true,
	"schedutil":    true,
	"userspace":    true,
}

// Governor switches the CPU frequency governor.
type Governor struct {
	logger  *log.Logger
	dryRun  bool
	path    string
	current string
}

func NewGovernor(logger *log.Logger, path string, dryRun bool) *Governor {
	if path == "" {
		path = DefaultGovernorPath
	}
	return &Governor{
		logger: logger,
		dryRun: dryRun,
		path:   path,
	}
}

// Set writes governor unless it is already the current one. Names are
// checked against the kernel's list when it can be read.
func (g *Governor) Set(governor string) error {
	if !g.valid(governor) {
		return fmt.Errorf("invalid governor: %s", governor)
	}
	if governor == g.current {
		return nil
	}

	if g.dryRun {
		g.logger.Printf("DRY RUN: Would set CPU governor to %s", governor)
		g.current = governor
		return nil
	}

	if err := os.WriteFile(g.path, []byte(governor), 0644); err != nil {
		return fmt.Errorf("failed to set CPU governor to %s: %w", governor, err)
	}

	g.current = governor
	g.logger.Printf("Set CPU governor to %s", governor)
	return nil
}

func (g *Governor) valid(governor string) bool {
	available, err := g.Available()
	if err != nil || len(available) == 0 {
		return knownGovernors[governor]
	}
	for _, name := range available {
		if name == governor {
			return true
		}
	}
	return false
}

func (g *Governor) Get() (string, error) {
	if g.dryRun {
		return g.current, nil
	}

	data, err := os.ReadFile(g.path)
	if err != nil {
		return "", fmt.Errorf("failed to read CPU governor: %w", err)
	}

	g.current = strings.TrimSpace(string(data))
	return g.current, nil
}

func (g *Governor) Available() ([]string, error) {
	if g.dryRun {
		return []string{"ondemand", "powersave", "performance"}, nil
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(g.path), "scaling_available_governors"))
	if err != nil {
		return nil, fmt.Errorf("failed to read available governors: %w", err)
	}
	return strings.Fields(string(data)), nil
}
