package idle

import (
	"fmt"
	"strconv"
	"time"

	"github.com/librescoot/doze-service/internal/alarm"
)

// MessageKind selects the temp whitelist duration for an incoming message.
type MessageKind int

const (
	MessageSMS MessageKind = iota
	MessageMMS
	MessageNotification
)

func (k MessageKind) String() string {
	switch k {
	case MessageMMS:
		return "mms"
	case MessageNotification:
		return "notification"
	default:
		return "sms"
	}
}

func tempAlarmName(appID int) string {
	return alarmTemp + strconv.Itoa(appID)
}

// IsAppWhitelisted reports whether appID is exempt from idle restrictions.
func (c *Controller) IsAppWhitelisted(appID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.IsAppIDWhitelisted(appID)
}

// IsAppWhitelistedExceptIdle reports whether appID is exempt from everything
// but deep idle.
func (c *Controller) IsAppWhitelistedExceptIdle(appID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.IsAppIDWhitelistedExceptIdle(appID)
}

// IsTempWhitelisted reports whether appID holds a temporary exemption.
func (c *Controller) IsTempWhitelisted(appID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.IsTempWhitelisted(appID)
}

// Whitelist is a copy of the whitelist sets.
type Whitelist struct {
	System     []string
	Removed    []string
	User       []string
	ExceptIdle []string
	AppIDs     []int
	ExceptIDs  []int
	TempIDs    []int
}

// Whitelist returns the current whitelist.
func (c *Controller) Whitelist() Whitelist {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Whitelist{
		System:     c.list.SystemPackages(),
		Removed:    c.list.RemovedPackages(),
		User:       c.list.UserPackages(),
		ExceptIdle: c.list.ExceptIdlePackages(),
		AppIDs:     append([]int(nil), c.list.AllAppIDs()...),
		ExceptIDs:  append([]int(nil), c.list.ExceptIdleAppIDs()...),
		TempIDs:    append([]int(nil), c.list.TempAppIDs()...),
	}
}

// AddWhitelist exempts pkg for the user. It reports whether anything changed.
func (c *Controller) AddWhitelist(pkg string) (bool, error) {
	appID, err := c.resolver.AppID(pkg)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", pkg, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.list.AddUser(pkg, appID) {
		return false, nil
	}
	c.whitelistChangedLocked()
	return true, nil
}

// RemoveWhitelist drops a user exemption.
func (c *Controller) RemoveWhitelist(pkg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.list.RemoveUser(pkg) {
		return false
	}
	c.whitelistChangedLocked()
	return true
}

// RemoveSystemWhitelist withdraws a system exemption.
func (c *Controller) RemoveSystemWhitelist(pkg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.list.RemoveSystem(pkg) {
		return false
	}
	c.whitelistChangedLocked()
	return true
}

// RestoreSystemWhitelist reinstates a withdrawn system exemption.
func (c *Controller) RestoreSystemWhitelist(pkg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.list.RestoreSystem(pkg) {
		return false
	}
	c.whitelistChangedLocked()
	return true
}

// ResetSystemWhitelist reinstates every withdrawn system exemption.
func (c *Controller) ResetSystemWhitelist() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.list.ResetSystem() {
		return false
	}
	c.whitelistChangedLocked()
	return true
}

// AddExceptIdleWhitelist exempts pkg from everything but deep idle.
func (c *Controller) AddExceptIdleWhitelist(pkg string) (bool, error) {
	appID, err := c.resolver.AppID(pkg)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", pkg, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.list.AddExceptIdle(pkg, appID) {
		return false, nil
	}
	c.postWhitelistLocked()
	return true, nil
}

// ResetExceptIdleWhitelist drops the except-idle entries added at runtime.
func (c *Controller) ResetExceptIdleWhitelist() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.list.ResetExceptIdle() {
		return false
	}
	c.postWhitelistLocked()
	return true
}

func (c *Controller) whitelistChangedLocked() {
	c.postWhitelistLocked()
	c.scheduleWriteLocked()
}

func (c *Controller) postWhitelistLocked() {
	all, except := c.list.AllAppIDs(), c.list.ExceptIdleAppIDs()
	c.post(func() { c.notifier.SetWhitelist(all, except) })
}

func (c *Controller) postTempWhitelistLocked() {
	ids := c.list.TempAppIDs()
	c.post(func() { c.notifier.SetTempWhitelist(ids) })
}

// AddTempWhitelist exempts appID for d, capped at the configured maximum,
// and returns the duration granted. Adding an app that is already exempt
// moves its expiry to now+d.
func (c *Controller) AddTempWhitelist(appID int, d time.Duration, reason string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addTempWhitelistLocked(appID, d, reason)
}

// AddTempWhitelistPackage is AddTempWhitelist for a package name.
func (c *Controller) AddTempWhitelistPackage(pkg string, d time.Duration, reason string) (time.Duration, error) {
	appID, err := c.resolver.AppID(pkg)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s: %w", pkg, err)
	}
	return c.AddTempWhitelist(appID, d, reason), nil
}

// AddTempWhitelistForMessage exempts the receiver of a message for the
// duration configured for its kind.
func (c *Controller) AddTempWhitelistForMessage(pkg string, kind MessageKind, reason string) (time.Duration, error) {
	appID, err := c.resolver.AppID(pkg)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s: %w", pkg, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var d time.Duration
	switch kind {
	case MessageMMS:
		d = c.consts.MMSTempAppWhitelistDuration
	case MessageNotification:
		d = c.consts.NotificationWhitelistDuration
	default:
		d = c.consts.SMSTempAppWhitelistDuration
	}
	return c.addTempWhitelistLocked(appID, d, kind.String()+":"+reason), nil
}

func (c *Controller) addTempWhitelistLocked(appID int, d time.Duration, reason string) time.Duration {
	if d > c.consts.MaxTempAppWhitelistDuration {
		d = c.consts.MaxTempAppWhitelistDuration
	}
	if d <= 0 {
		return 0
	}

	isNew := c.list.AddTemp(appID, c.now().Add(d), reason)
	c.scheduleTempCheckLocked(appID, d)
	if isNew {
		c.logger.Printf("Temp whitelisted app %d for %v (%s)", appID, d, reason)
		c.postTempWhitelistLocked()
	}
	return d
}

// RemoveTempWhitelist ends a temporary exemption early.
func (c *Controller) RemoveTempWhitelist(appID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.list.RemoveTemp(appID); !ok {
		return false
	}
	c.cancelTempCheckLocked(appID)
	c.postTempWhitelistLocked()
	return true
}

func (c *Controller) scheduleTempCheckLocked(appID int, d time.Duration) {
	c.tempSeq[appID]++
	seq := c.tempSeq[appID]
	c.alarms.Set(tempAlarmName(appID), c.now().Add(d), alarm.KindExact,
		func() { c.checkTempWhitelist(appID, seq) })
}

func (c *Controller) cancelTempCheckLocked(appID int) {
	delete(c.tempSeq, appID)
	c.alarms.Cancel(tempAlarmName(appID))
}

func (c *Controller) checkTempWhitelist(appID int, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.tempSeq[appID] != seq {
		return
	}
	expired, remaining, present := c.list.CheckTemp(appID, c.now())
	switch {
	case !present:
		delete(c.tempSeq, appID)
	case expired:
		delete(c.tempSeq, appID)
		c.logger.Printf("Temp whitelist of app %d expired", appID)
		c.postTempWhitelistLocked()
	default:
		c.scheduleTempCheckLocked(appID, remaining)
	}
}

func (c *Controller) scheduleWriteLocked() {
	if c.writePending {
		return
	}
	c.writePending = true
	c.afterLocked(c.writeDelay, func() { c.post(c.writeWhitelist) })
}

// writeWhitelist runs on the work queue. A failed write is logged and left
// for the next mutation to retry.
func (c *Controller) writeWhitelist() {
	c.mu.Lock()
	p := c.list.Persisted()
	c.writePending = false
	c.mu.Unlock()

	if err := c.persister.Save(p); err != nil {
		c.logger.Printf("Failed to save whitelist: %v", err)
	}
}
