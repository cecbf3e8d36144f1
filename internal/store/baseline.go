package store

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/librescoot/doze-service/internal/whitelist"
	"gopkg.in/yaml.v3"
)

// Baseline is the system whitelist configuration shipped with the image.
//
//	allow-in-power-save: [modem-service, ...]
//	allow-in-power-save-except-idle: [update-service, ...]
//	packages: {modem-service: 1010, ...}
type Baseline struct {
	AllowInPowerSave           []string       `yaml:"allow-in-power-save"`
	AllowInPowerSaveExceptIdle []string       `yaml:"allow-in-power-save-except-idle"`
	Packages                   map[string]int `yaml:"packages"`
}

// LoadBaseline reads the baseline from path. A missing file is an empty
// baseline.
func LoadBaseline(path string) (*Baseline, error) {
	b := &Baseline{}
	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read system whitelist: %w", err)
	}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("parse system whitelist %s: %w", path, err)
	}
	return b, nil
}

// Resolve maps the baseline's package names to app ids. Packages that do not
// resolve are returned in skipped.
func (b *Baseline) Resolve(r *Resolver) (system, exceptIdle map[string]int, skipped []string) {
	system = make(map[string]int, len(b.AllowInPowerSave))
	exceptIdle = make(map[string]int, len(b.AllowInPowerSaveExceptIdle))

	for _, pkg := range b.AllowInPowerSave {
		id, err := r.AppID(pkg)
		if err != nil {
			skipped = append(skipped, pkg)
			continue
		}
		system[pkg] = id
	}
	for _, pkg := range b.AllowInPowerSaveExceptIdle {
		id, err := r.AppID(pkg)
		if err != nil {
			skipped = append(skipped, pkg)
			continue
		}
		exceptIdle[pkg] = id
	}
	return system, exceptIdle, skipped
}

// Resolver maps package names to app ids. Explicit registrations win; other
// names are looked up as system users and resolve to their uid.
type Resolver struct {
	packages map[string]int
	lookup   func(name string) (*user.User, error)
}

func NewResolver(packages map[string]int) *Resolver {
	return &Resolver{packages: packages, lookup: user.Lookup}
}

func (r *Resolver) AppID(pkg string) (int, error) {
	if id, ok := r.packages[pkg]; ok {
		return id, nil
	}
	if pkg == "" || r.lookup == nil {
		return 0, whitelist.ErrUnknownPackage
	}

	u, err := r.lookup(pkg)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", whitelist.ErrUnknownPackage, pkg)
	}
	id, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("%w: %s has uid %q", whitelist.ErrUnknownPackage, pkg, u.Uid)
	}
	return id, nil
}
