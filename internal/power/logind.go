package power

import (
	"fmt"
	"io"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest      = "org.freedesktop.login1"
	logindPath      = "/org/freedesktop/login1"
	logindInhibit   = "org.freedesktop.login1.Manager.Inhibit"
	logindWhat      = "idle:sleep"
	logindBlockMode = "block"
)

// LogindBackend takes sleep blocks through systemd-logind. Each block is the
// file descriptor returned by Inhibit; closing it releases the block.
type LogindBackend struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewLogindBackend connects to the system bus.
func NewLogindBackend() (*LogindBackend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	return &LogindBackend{
		conn: conn,
		obj:  conn.Object(logindDest, dbus.ObjectPath(logindPath)),
	}, nil
}

func (b *LogindBackend) Take(who, why string) (io.Closer, error) {
	var fd dbus.UnixFD
	err := b.obj.Call(logindInhibit, 0, logindWhat, who, why, logindBlockMode).Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("logind inhibit failed: %w", err)
	}
	return os.NewFile(uintptr(fd), "inhibit-"+who), nil
}

// Close disconnects from the bus. Blocks still held are released by logind
// when their descriptors close with the process.
func (b *LogindBackend) Close() error {
	return b.conn.Close()
}
