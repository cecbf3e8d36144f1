// Package whitelist tracks the applications exempt from idle restrictions.
//
// Three sets are kept: the system set (a baseline from the OS configuration
// minus entries an administrator removed), the user set, and temporary
// entries that expire. Every mutation rebuilds the sorted app-id arrays
// before returning, so a caller that publishes them right after a change
// never publishes a stale array.
//
// A Tracker is not safe for concurrent use. The idle controller owns one and
// only touches it while holding its lock.
package whitelist

import (
	"errors"
	"sort"
	"time"
)

// ErrUnknownPackage is returned when a package name cannot be resolved.
var ErrUnknownPackage = errors.New("unknown package")

// TempEntry is one temporary exemption.
type TempEntry struct {
	AppID  int
	Expiry time.Time
	Reason string
}

// Persisted is the part of the whitelist that survives a restart.
type Persisted struct {
	User    []string
	Removed []string
}

// Tracker holds the whitelist sets and their derived arrays.
type Tracker struct {
	baseline   map[string]int // system, as configured
	system     map[string]int // baseline minus removed
	removed    map[string]int
	exceptIdle map[string]int // system except-idle, plus everything in system
	userExcept map[string]bool
	user       map[string]int
	temp       map[int]*TempEntry

	allIDs        []int
	exceptIdleIDs []int
	userIDs       []int
	tempIDs       []int
}

// New creates a tracker from the system baseline. exceptIdle lists packages
// exempt from everything but deep idle itself; system packages are implicitly
// part of it.
func New(system, exceptIdle map[string]int) *Tracker {
	t := &Tracker{
		baseline:   make(map[string]int, len(system)),
		system:     make(map[string]int, len(system)),
		removed:    make(map[string]int),
		exceptIdle: make(map[string]int, len(system)+len(exceptIdle)),
		userExcept: make(map[string]bool),
		user:       make(map[string]int),
		temp:       make(map[int]*TempEntry),
	}
	for pkg, id := range system {
		t.baseline[pkg] = id
		t.system[pkg] = id
		t.exceptIdle[pkg] = id
	}
	for pkg, id := range exceptIdle {
		t.exceptIdle[pkg] = id
	}
	t.rebuild()
	t.rebuildTemp()
	return t
}

func appIDs(sets ...map[string]int) []int {
	seen := make(map[int]bool)
	for _, set := range sets {
		for _, id := range set {
			seen[id] = true
		}
	}
	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (t *Tracker) rebuild() {
	t.allIDs = appIDs(t.system, t.user)
	t.exceptIdleIDs = appIDs(t.exceptIdle, t.user)
	t.userIDs = appIDs(t.user)
}

func (t *Tracker) rebuildTemp() {
	ids := make([]int, 0, len(t.temp))
	for id := range t.temp {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	t.tempIDs = ids
}

func contains(sorted []int, id int) bool {
	i := sort.SearchInts(sorted, id)
	return i < len(sorted) && sorted[i] == id
}

// AllAppIDs returns the sorted union of system and user app ids. The slice
// is replaced, never modified, on mutation.
func (t *Tracker) AllAppIDs() []int { return t.allIDs }

// ExceptIdleAppIDs returns the sorted union of except-idle and user app ids.
func (t *Tracker) ExceptIdleAppIDs() []int { return t.exceptIdleIDs }

// UserAppIDs returns the sorted user app ids.
func (t *Tracker) UserAppIDs() []int { return t.userIDs }

// TempAppIDs returns the sorted temporarily whitelisted app ids.
func (t *Tracker) TempAppIDs() []int { return t.tempIDs }

// IsAppIDWhitelisted reports membership in AllAppIDs.
func (t *Tracker) IsAppIDWhitelisted(appID int) bool {
	return contains(t.allIDs, appID)
}

// IsAppIDWhitelistedExceptIdle reports membership in ExceptIdleAppIDs.
func (t *Tracker) IsAppIDWhitelistedExceptIdle(appID int) bool {
	return contains(t.exceptIdleIDs, appID)
}

// IsTempWhitelisted reports whether appID has a temporary entry.
func (t *Tracker) IsTempWhitelisted(appID int) bool {
	_, ok := t.temp[appID]
	return ok
}

// IsUser reports whether pkg is on the user whitelist.
func (t *Tracker) IsUser(pkg string) bool {
	_, ok := t.user[pkg]
	return ok
}

// IsWhitelisted reports whether pkg is on the system or user whitelist.
func (t *Tracker) IsWhitelisted(pkg string) bool {
	if _, ok := t.system[pkg]; ok {
		return true
	}
	return t.IsUser(pkg)
}

// IsWhitelistedExceptIdle reports whether pkg is exempt outside deep idle.
func (t *Tracker) IsWhitelistedExceptIdle(pkg string) bool {
	if _, ok := t.exceptIdle[pkg]; ok {
		return true
	}
	return t.IsUser(pkg)
}

// AddUser whitelists pkg. It reports whether the set changed.
func (t *Tracker) AddUser(pkg string, appID int) bool {
	if id, ok := t.user[pkg]; ok && id == appID {
		return false
	}
	t.user[pkg] = appID
	t.rebuild()
	return true
}

// RemoveUser drops pkg from the user whitelist. It reports whether the set
// changed.
func (t *Tracker) RemoveUser(pkg string) bool {
	if _, ok := t.user[pkg]; !ok {
		return false
	}
	delete(t.user, pkg)
	t.rebuild()
	return true
}

// RemoveSystem moves a system package to the removed set.
func (t *Tracker) RemoveSystem(pkg string) bool {
	id, ok := t.system[pkg]
	if !ok {
		return false
	}
	delete(t.system, pkg)
	t.removed[pkg] = id
	t.rebuild()
	return true
}

// RestoreSystem moves a removed package back into the system set.
func (t *Tracker) RestoreSystem(pkg string) bool {
	id, ok := t.removed[pkg]
	if !ok {
		return false
	}
	delete(t.removed, pkg)
	t.system[pkg] = id
	t.rebuild()
	return true
}

// ResetSystem restores every removed package. It reports whether anything
// was restored.
func (t *Tracker) ResetSystem() bool {
	if len(t.removed) == 0 {
		return false
	}
	for pkg, id := range t.removed {
		t.system[pkg] = id
	}
	t.removed = make(map[string]int)
	t.rebuild()
	return true
}

// AddExceptIdle adds pkg to the except-idle set on behalf of a user.
func (t *Tracker) AddExceptIdle(pkg string, appID int) bool {
	if _, ok := t.exceptIdle[pkg]; ok {
		return false
	}
	t.exceptIdle[pkg] = appID
	t.userExcept[pkg] = true
	t.rebuild()
	return true
}

// ResetExceptIdle drops the except-idle entries added with AddExceptIdle.
func (t *Tracker) ResetExceptIdle() bool {
	if len(t.userExcept) == 0 {
		return false
	}
	for pkg := range t.userExcept {
		delete(t.exceptIdle, pkg)
	}
	t.userExcept = make(map[string]bool)
	t.rebuild()
	return true
}

// AddTemp grants or refreshes a temporary exemption ending at expiry. A
// refresh replaces the expiry; it does not add to it. It reports whether the
// entry is new.
func (t *Tracker) AddTemp(appID int, expiry time.Time, reason string) bool {
	if e, ok := t.temp[appID]; ok {
		e.Expiry = expiry
		return false
	}
	t.temp[appID] = &TempEntry{AppID: appID, Expiry: expiry, Reason: reason}
	t.rebuildTemp()
	return true
}

// RemoveTemp drops a temporary entry and returns it.
func (t *Tracker) RemoveTemp(appID int) (TempEntry, bool) {
	e, ok := t.temp[appID]
	if !ok {
		return TempEntry{}, false
	}
	delete(t.temp, appID)
	t.rebuildTemp()
	return *e, true
}

// CheckTemp evicts the entry for appID if it has expired at now. Otherwise it
// returns how long is left. present is false when there is no entry.
func (t *Tracker) CheckTemp(appID int, now time.Time) (expired bool, remaining time.Duration, present bool) {
	e, ok := t.temp[appID]
	if !ok {
		return false, 0, false
	}
	if !now.Before(e.Expiry) {
		delete(t.temp, appID)
		t.rebuildTemp()
		return true, 0, true
	}
	return false, e.Expiry.Sub(now), true
}

// TempEntries returns the temporary entries ordered by app id.
func (t *Tracker) TempEntries() []TempEntry {
	out := make([]TempEntry, 0, len(t.tempIDs))
	for _, id := range t.tempIDs {
		out = append(out, *t.temp[id])
	}
	return out
}

func sortedNames(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for pkg := range m {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// SystemPackages returns the effective system packages, sorted.
func (t *Tracker) SystemPackages() []string { return sortedNames(t.system) }

// RemovedPackages returns the removed system packages, sorted.
func (t *Tracker) RemovedPackages() []string { return sortedNames(t.removed) }

// UserPackages returns the user packages, sorted.
func (t *Tracker) UserPackages() []string { return sortedNames(t.user) }

// ExceptIdlePackages returns the except-idle packages, sorted.
func (t *Tracker) ExceptIdlePackages() []string { return sortedNames(t.exceptIdle) }

// Persisted returns the state to save.
func (t *Tracker) Persisted() Persisted {
	return Persisted{
		User:    t.UserPackages(),
		Removed: t.RemovedPackages(),
	}
}

// Restore applies saved state. User packages are resolved with resolve; the
// ones that no longer resolve are skipped and returned. Removed entries that
// are not part of the baseline any more are ignored.
func (t *Tracker) Restore(p Persisted, resolve func(pkg string) (int, error)) (skipped []string) {
	for _, pkg := range p.User {
		id, err := resolve(pkg)
		if err != nil {
			skipped = append(skipped, pkg)
			continue
		}
		t.user[pkg] = id
	}
	for _, pkg := range p.Removed {
		if id, ok := t.system[pkg]; ok {
			delete(t.system, pkg)
			t.removed[pkg] = id
		}
	}
	t.rebuild()
	return skipped
}
