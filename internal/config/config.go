package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RedisHost string `toml:"redis-host"`
	RedisPort int    `toml:"redis-port"`

	ConfigFile string `toml:"-"`
	// Constants is a key=value override list applied on top of every other
	// source of idle constants.
	Constants string `toml:"-"`

	WhitelistDB     string `toml:"whitelist-db"`
	SystemWhitelist string `toml:"system-whitelist"`
	SocketPath      string `toml:"socket-path"`

	Motion            bool          `toml:"motion"`
	MotionChip        string        `toml:"motion-chip"`
	MotionLine        int           `toml:"motion-line"`
	MotionDebounce    time.Duration `toml:"motion-debounce"`
	MotionStillWindow time.Duration `toml:"motion-still-window"`

	GPS             bool `toml:"gps"`
	NetworkLocation bool `toml:"network-location"`

	RTCWakeAlarm   string `toml:"rtc-wakealarm"`
	GovernorPath   string `toml:"governor-path"`
	IdleGovernor   string `toml:"idle-governor"`
	ActiveGovernor string `toml:"active-governor"`

	DeepIdle  bool `toml:"deep-idle"`
	LightIdle bool `toml:"light-idle"`
	DBus      bool `toml:"dbus"`
	DryRun    bool `toml:"dry-run"`

	ShowVersion bool `toml:"-"`
}

func New() *Config {
	return &Config{
		RedisHost:         "localhost",
		RedisPort:         6379,
		WhitelistDB:       "/data/doze/whitelist.db",
		SystemWhitelist:   "/etc/doze/system-whitelist.yaml",
		SocketPath:        "/tmp/doze_hold",
		Motion:            true,
		MotionChip:        "gpiochip0",
		MotionLine:        109, // GPIO 3:13
		MotionDebounce:    20 * time.Millisecond,
		MotionStillWindow: 5 * time.Second,
		GPS:               true,
		NetworkLocation:   true,
		RTCWakeAlarm:      "/sys/class/rtc/rtc0/wakealarm",
		IdleGovernor:      "powersave",
		ActiveGovernor:    "ondemand",
		DeepIdle:          true,
		LightIdle:         true,
		DBus:              false,
		DryRun:            false,
	}
}

func (c *Config) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("doze-service", flag.ContinueOnError)

	fs.BoolVar(&c.ShowVersion, "version", c.ShowVersion, "Print version and exit")

	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis host")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile,
		"TOML configuration file; flags given on the command line override it")
	fs.StringVar(&c.Constants, "constants", c.Constants,
		"Idle constants override as key=value list")

	fs.StringVar(&c.WhitelistDB, "whitelist-db", c.WhitelistDB, "SQLite database for whitelist edits")
	fs.StringVar(&c.SystemWhitelist, "system-whitelist", c.SystemWhitelist, "YAML system whitelist baseline")
	fs.StringVar(&c.SocketPath, "socket-path", c.SocketPath,
		"Path for the Unix domain socket for work hold connections (empty disables)")

	fs.BoolVar(&c.Motion, "motion", c.Motion, "Use the motion interrupt line")
	fs.StringVar(&c.MotionChip, "motion-chip", c.MotionChip, "GPIO chip of the motion interrupt")
	fs.IntVar(&c.MotionLine, "motion-line", c.MotionLine, "GPIO line offset of the motion interrupt")
	fs.DurationVar(&c.MotionDebounce, "motion-debounce", c.MotionDebounce, "Debounce period of the motion line")
	fs.DurationVar(&c.MotionStillWindow, "motion-still-window", c.MotionStillWindow,
		"Quiet time after which the device counts as stationary")

	fs.BoolVar(&c.GPS, "gps", c.GPS, "Use GPS fixes while locating")
	fs.BoolVar(&c.NetworkLocation, "network-location", c.NetworkLocation, "Use cell based fixes while locating")

	fs.StringVar(&c.RTCWakeAlarm, "rtc-wakealarm", c.RTCWakeAlarm, "RTC wakealarm file (empty disables)")
	fs.StringVar(&c.GovernorPath, "governor-path", c.GovernorPath, "CPU scaling_governor file")
	fs.StringVar(&c.IdleGovernor, "idle-governor", c.IdleGovernor, "CPU governor while deep idle (empty keeps it)")
	fs.StringVar(&c.ActiveGovernor, "active-governor", c.ActiveGovernor, "CPU governor outside deep idle (empty keeps it)")

	fs.BoolVar(&c.DeepIdle, "deep-idle", c.DeepIdle, "Enable deep idle")
	fs.BoolVar(&c.LightIdle, "light-idle", c.LightIdle, "Enable light idle")
	fs.BoolVar(&c.DBus, "dbus", c.DBus, "Follow UPower and logind on the system bus and hold sleep through logind")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun, "Dry run (don't touch GPIO, sysfs or logind)")

	return fs
}

// Parse applies args. With -config the file is read first and the flags
// that were given explicitly are applied again on top of it.
func (c *Config) Parse(args []string) error {
	if err := c.flagSet().Parse(args); err != nil {
		return err
	}
	if c.ConfigFile == "" {
		return nil
	}

	if err := c.LoadFile(c.ConfigFile); err != nil {
		return err
	}
	return c.flagSet().Parse(args)
}

// LoadFile decodes path into c. Keys missing from the file keep their
// current values.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return nil
}

// RedisAddr returns host:port.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
