package sysbus

import (
	"io"
	"log"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func propertiesSignal(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propertiesIface + "." + propertiesChanged,
		Body: []interface{}{iface, changed, []string{}},
	}
}

func TestHandleSignals(t *testing.T) {
	var charging, locked []bool
	w := &Watcher{
		logger: log.New(io.Discard, "", 0),
		handlers: Handlers{
			Charging: func(v bool) { charging = append(charging, v) },
			Locked:   func(v bool) { locked = append(locked, v) },
		},
	}

	w.handle(propertiesSignal(upowerPath, upowerIface, map[string]dbus.Variant{
		"OnBattery": dbus.MakeVariant(false),
	}))
	w.handle(propertiesSignal(upowerPath, upowerIface, map[string]dbus.Variant{
		"LidIsClosed": dbus.MakeVariant(true),
	}))
	w.handle(propertiesSignal("/org/freedesktop/login1/session/_31", sessionIface, map[string]dbus.Variant{
		"LockedHint": dbus.MakeVariant(true),
	}))
	w.handle(&dbus.Signal{Path: upowerPath, Name: "org.freedesktop.UPower.DeviceAdded"})

	assert.Equal(t, []bool{true}, charging)
	assert.Equal(t, []bool{true}, locked)
}

func TestHandleWithoutHandlers(t *testing.T) {
	w := &Watcher{logger: log.New(io.Discard, "", 0)}
	assert.NotPanics(t, func() {
		w.handle(propertiesSignal(upowerPath, upowerIface, map[string]dbus.Variant{
			"OnBattery": dbus.MakeVariant(true),
		}))
	})
}
