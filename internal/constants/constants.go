// Package constants holds the tuning knobs of the idle policy and the
// plumbing that reloads them at runtime.
package constants

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned for a key=value list that cannot be split.
var ErrMalformed = errors.New("malformed constants list")

// Constants is an immutable snapshot of the policy tuning. A reload produces
// a new value; the controller swaps it in under its lock.
type Constants struct {
	LightIdleAfterInactiveTimeout time.Duration
	LightPreIdleTimeout           time.Duration
	LightIdleTimeout              time.Duration
	LightIdleFactor               float64
	LightMaxIdleTimeout           time.Duration
	LightIdleMaintenanceMinBudget time.Duration
	LightIdleMaintenanceMaxBudget time.Duration
	MinLightMaintenanceTime       time.Duration
	MinDeepMaintenanceTime        time.Duration

	InactiveTimeout          time.Duration
	SensingTimeout           time.Duration
	LocatingTimeout          time.Duration
	LocationAccuracy         float64 // metres
	MotionInactiveTimeout    time.Duration
	IdleAfterInactiveTimeout time.Duration
	IdlePendingTimeout       time.Duration
	MaxIdlePendingTimeout    time.Duration
	IdlePendingFactor        float64
	IdleTimeout              time.Duration
	MaxIdleTimeout           time.Duration
	IdleFactor               float64
	MinTimeToAlarm           time.Duration

	MaxTempAppWhitelistDuration   time.Duration
	MMSTempAppWhitelistDuration   time.Duration
	SMSTempAppWhitelistDuration   time.Duration
	NotificationWhitelistDuration time.Duration

	// WaitForUnlock keeps the device idle while the screen is on but locked.
	WaitForUnlock bool
}

// Default returns the compiled-in tuning.
func Default() Constants {
	return Constants{
		LightIdleAfterInactiveTimeout: 3 * time.Minute,
		LightPreIdleTimeout:           3 * time.Minute,
		LightIdleTimeout:              5 * time.Minute,
		LightIdleFactor:               2,
		LightMaxIdleTimeout:           15 * time.Minute,
		LightIdleMaintenanceMinBudget: 1 * time.Minute,
		LightIdleMaintenanceMaxBudget: 5 * time.Minute,
		MinLightMaintenanceTime:       5 * time.Second,
		MinDeepMaintenanceTime:        30 * time.Second,

		InactiveTimeout:          30 * time.Minute,
		SensingTimeout:           4 * time.Minute,
		LocatingTimeout:          30 * time.Second,
		LocationAccuracy:         20,
		MotionInactiveTimeout:    10 * time.Minute,
		IdleAfterInactiveTimeout: 30 * time.Minute,
		IdlePendingTimeout:       5 * time.Minute,
		MaxIdlePendingTimeout:    10 * time.Minute,
		IdlePendingFactor:        2,
		IdleTimeout:              1 * time.Hour,
		MaxIdleTimeout:           6 * time.Hour,
		IdleFactor:               2,
		MinTimeToAlarm:           1 * time.Hour,

		MaxTempAppWhitelistDuration:   5 * time.Minute,
		MMSTempAppWhitelistDuration:   1 * time.Minute,
		SMSTempAppWhitelistDuration:   20 * time.Second,
		NotificationWhitelistDuration: 30 * time.Second,

		WaitForUnlock: false,
	}
}

type field struct {
	key    string
	set    func(c *Constants, v string) error
	format func(c *Constants) string
}

func durationField(key string, p func(c *Constants) *time.Duration) field {
	return field{
		key: key,
		set: func(c *Constants, v string) error {
			d, err := ParseDuration(v)
			if err != nil {
				return err
			}
			*p(c) = d
			return nil
		},
		format: func(c *Constants) string {
			return strconv.FormatInt(p(c).Milliseconds(), 10)
		},
	}
}

func floatField(key string, p func(c *Constants) *float64) field {
	return field{
		key: key,
		set: func(c *Constants, v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return err
			}
			if f <= 0 {
				return fmt.Errorf("must be positive")
			}
			*p(c) = f
			return nil
		},
		format: func(c *Constants) string {
			return strconv.FormatFloat(*p(c), 'g', -1, 64)
		},
	}
}

func boolField(key string, p func(c *Constants) *bool) field {
	return field{
		key: key,
		set: func(c *Constants, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*p(c) = b
			return nil
		},
		format: func(c *Constants) string {
			return strconv.FormatBool(*p(c))
		},
	}
}

var fields = []field{
	durationField("light_after_inactive_to", func(c *Constants) *time.Duration { return &c.LightIdleAfterInactiveTimeout }),
	durationField("light_pre_idle_to", func(c *Constants) *time.Duration { return &c.LightPreIdleTimeout }),
	durationField("light_idle_to", func(c *Constants) *time.Duration { return &c.LightIdleTimeout }),
	floatField("light_idle_factor", func(c *Constants) *float64 { return &c.LightIdleFactor }),
	durationField("light_max_idle_to", func(c *Constants) *time.Duration { return &c.LightMaxIdleTimeout }),
	durationField("light_idle_maintenance_min_budget", func(c *Constants) *time.Duration { return &c.LightIdleMaintenanceMinBudget }),
	durationField("light_idle_maintenance_max_budget", func(c *Constants) *time.Duration { return &c.LightIdleMaintenanceMaxBudget }),
	durationField("min_light_maintenance_time", func(c *Constants) *time.Duration { return &c.MinLightMaintenanceTime }),
	durationField("min_deep_maintenance_time", func(c *Constants) *time.Duration { return &c.MinDeepMaintenanceTime }),
	durationField("inactive_to", func(c *Constants) *time.Duration { return &c.InactiveTimeout }),
	durationField("sensing_to", func(c *Constants) *time.Duration { return &c.SensingTimeout }),
	durationField("locating_to", func(c *Constants) *time.Duration { return &c.LocatingTimeout }),
	floatField("location_accuracy", func(c *Constants) *float64 { return &c.LocationAccuracy }),
	durationField("motion_inactive_to", func(c *Constants) *time.Duration { return &c.MotionInactiveTimeout }),
	durationField("idle_after_inactive_to", func(c *Constants) *time.Duration { return &c.IdleAfterInactiveTimeout }),
	durationField("idle_pending_to", func(c *Constants) *time.Duration { return &c.IdlePendingTimeout }),
	durationField("max_idle_pending_to", func(c *Constants) *time.Duration { return &c.MaxIdlePendingTimeout }),
	floatField("idle_pending_factor", func(c *Constants) *float64 { return &c.IdlePendingFactor }),
	durationField("idle_to", func(c *Constants) *time.Duration { return &c.IdleTimeout }),
	durationField("max_idle_to", func(c *Constants) *time.Duration { return &c.MaxIdleTimeout }),
	floatField("idle_factor", func(c *Constants) *float64 { return &c.IdleFactor }),
	durationField("min_time_to_alarm", func(c *Constants) *time.Duration { return &c.MinTimeToAlarm }),
	durationField("max_temp_app_whitelist_duration", func(c *Constants) *time.Duration { return &c.MaxTempAppWhitelistDuration }),
	durationField("mms_temp_app_whitelist_duration", func(c *Constants) *time.Duration { return &c.MMSTempAppWhitelistDuration }),
	durationField("sms_temp_app_whitelist_duration", func(c *Constants) *time.Duration { return &c.SMSTempAppWhitelistDuration }),
	durationField("notification_whitelist_duration", func(c *Constants) *time.Duration { return &c.NotificationWhitelistDuration }),
	boolField("wait_for_unlock", func(c *Constants) *bool { return &c.WaitForUnlock }),
}

// Keys returns every recognised key in declaration order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// ParseDuration accepts plain milliseconds ("30000") or a Go duration ("30s").
// Negative durations are rejected.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else {
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}

// ParseList splits "key=value,key=value" into a map. Blank entries are
// skipped; an entry without '=' makes the whole list malformed.
func ParseList(s string) (map[string]string, error) {
	values := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		k, v, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: bad entry %q", ErrMalformed, entry)
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return values, nil
}

// Apply returns a copy of c with the given values applied. Unknown keys and
// unparseable values are reported in the returned error; the affected keys
// keep the value they had in c.
func (c Constants) Apply(values map[string]string) (Constants, error) {
	out := c
	var errs []error

	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.key] = true
		v, ok := values[f.key]
		if !ok {
			continue
		}
		if err := f.set(&out, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
		}
	}

	unknown := make([]string, 0)
	for k := range values {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errs = append(errs, fmt.Errorf("%s: unknown key", k))
	}

	return out, errors.Join(errs...)
}

// Parse applies a key=value list on top of c. A malformed list leaves c
// untouched.
func (c Constants) Parse(s string) (Constants, error) {
	values, err := ParseList(s)
	if err != nil {
		return c, err
	}
	return c.Apply(values)
}

// Format renders c as a key=value list that Parse accepts.
func (c Constants) Format() string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.key + "=" + f.format(&c)
	}
	return strings.Join(parts, ",")
}

// Dump writes one key per line.
func (c Constants) Dump(w io.Writer) {
	for _, f := range fields {
		fmt.Fprintf(w, "    %s=%s\n", f.key, f.format(&c))
	}
}
