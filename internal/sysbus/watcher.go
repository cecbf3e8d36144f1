// Package sysbus follows power and session state on the system D-Bus.
package sysbus

import (
	"context"
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"
)

const (
	propertiesIface   = "org.freedesktop.DBus.Properties"
	propertiesChanged = "PropertiesChanged"

	upowerDest  = "org.freedesktop.UPower"
	upowerPath  = dbus.ObjectPath("/org/freedesktop/UPower")
	upowerIface = "org.freedesktop.UPower"

	logindDest   = "org.freedesktop.login1"
	sessionPath  = dbus.ObjectPath("/org/freedesktop/login1/session/auto")
	sessionIface = "org.freedesktop.login1.Session"
)

// Handlers receive the state changes. Nil handlers are skipped.
type Handlers struct {
	// Charging is called with !OnBattery.
	Charging func(bool)
	// Locked is called with the session's LockedHint.
	Locked func(bool)
}

// Watcher listens for UPower and logind property changes.
type Watcher struct {
	conn     *dbus.Conn
	logger   *log.Logger
	handlers Handlers
	signals  chan *dbus.Signal
}

func NewWatcher(logger *log.Logger, handlers Handlers) (*Watcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Watcher{
		conn:     conn,
		logger:   logger,
		handlers: handlers,
		signals:  make(chan *dbus.Signal, 16),
	}, nil
}

// Start reports the current values and then follows changes until ctx is
// done.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range []dbus.ObjectPath{upowerPath, sessionPath} {
		err := w.conn.AddMatchSignal(
			dbus.WithMatchObjectPath(path),
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember(propertiesChanged),
		)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}
	w.conn.Signal(w.signals)

	w.readInitial()
	go w.loop(ctx)
	return nil
}

func (w *Watcher) readInitial() {
	if w.handlers.Charging != nil {
		v, err := w.conn.Object(upowerDest, upowerPath).GetProperty(upowerIface + ".OnBattery")
		if err != nil {
			w.logger.Printf("Failed to read UPower OnBattery: %v", err)
		} else if onBattery, ok := v.Value().(bool); ok {
			w.handlers.Charging(!onBattery)
		}
	}
	if w.handlers.Locked != nil {
		v, err := w.conn.Object(logindDest, sessionPath).GetProperty(sessionIface + ".LockedHint")
		if err != nil {
			w.logger.Printf("Failed to read session LockedHint: %v", err)
		} else if locked, ok := v.Value().(bool); ok {
			w.handlers.Locked(locked)
		}
	}
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-w.signals:
			if !ok {
				return
			}
			w.handle(sig)
		}
	}
}

func (w *Watcher) handle(sig *dbus.Signal) {
	if sig.Name != propertiesIface+"."+propertiesChanged || len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch {
	case sig.Path == upowerPath && iface == upowerIface:
		if v, ok := changed["OnBattery"]; ok && w.handlers.Charging != nil {
			if onBattery, ok := v.Value().(bool); ok {
				w.handlers.Charging(!onBattery)
			}
		}
	case iface == sessionIface:
		if v, ok := changed["LockedHint"]; ok && w.handlers.Locked != nil {
			if locked, ok := v.Value().(bool); ok {
				w.handlers.Locked(locked)
			}
		}
	}
}

func (w *Watcher) Close() error {
	w.conn.RemoveSignal(w.signals)
	return w.conn.Close()
}
