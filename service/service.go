// Package service exposes the monitor over D-Bus so other processes can query
// its state and pause or resume monitoring.
package service

import (
	"encoding/json"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/pkg/errors"

	"github.com/nvr-ai/intrusion-warning/monitor"
)

const (
	dbusName = "org.nvr.IntrusionWarning"
	dbusPath = "/org/nvr/IntrusionWarning"
)

// Controller is the part of the monitor the service drives.
type Controller interface {
	Send(cmd monitor.Command) bool
	Status() monitor.Status
}

type service struct {
	ctl Controller
}

// Start claims the bus name and exports the service. The system bus is used
// unless session is set.
func Start(ctl Controller, session bool) (*dbus.Conn, error) {
	connect := dbus.ConnectSystemBus
	if session {
		connect = dbus.ConnectSessionBus
	}
	conn, err := connect()
	if err != nil {
		return nil, errors.Wrap(err, "connect to bus")
	}
	if err := register(conn, ctl); err != nil {
		return nil, err
	}
	return conn, nil
}

// bus is the part of *dbus.Conn used to publish the service.
type bus interface {
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Close() error
}

// register claims the bus name and exports the service objects. The
// connection is closed when any step fails.
func register(conn bus, ctl Controller) (err error) {
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return errors.Wrap(err, "request name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{ctl: ctl}
	if err := conn.Export(s, dbusPath, dbusName); err != nil {
		return errors.Wrap(err, "export service")
	}
	if err := conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return errors.Wrap(err, "export introspection")
	}
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// Status returns the monitor state as JSON.
func (s *service) Status() (string, *dbus.Error) {
	buf, err := json.Marshal(s.ctl.Status())
	if err != nil {
		return "", makeDbusError("Status", err)
	}
	return string(buf), nil
}

// Pause stops monitoring until Resume is called.
func (s *service) Pause() *dbus.Error {
	return s.send("Pause", monitor.CommandPause)
}

// Resume restarts monitoring after Pause.
func (s *service) Resume() *dbus.Error {
	return s.send("Resume", monitor.CommandResume)
}

func (s *service) send(method string, cmd monitor.Command) *dbus.Error {
	if !s.ctl.Send(cmd) {
		return makeDbusError(method, errors.New("command queue full"))
	}
	return nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + "." + name,
		Body: []interface{}{err.Error()},
	}
}
