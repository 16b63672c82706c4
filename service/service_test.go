package service

import (
	"encoding/json"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/intrusion-warning/monitor"
)

type fakeController struct {
	sent   []monitor.Command
	full   bool
	status monitor.Status
}

func (f *fakeController) Send(cmd monitor.Command) bool {
	if f.full {
		return false
	}
	f.sent = append(f.sent, cmd)
	return true
}

func (f *fakeController) Status() monitor.Status { return f.status }

func TestPauseResume(t *testing.T) {
	ctl := &fakeController{}
	s := &service{ctl: ctl}

	assert.Nil(t, s.Pause())
	assert.Nil(t, s.Resume())
	assert.Equal(t, []monitor.Command{monitor.CommandPause, monitor.CommandResume}, ctl.sent)
}

func TestQueueFull(t *testing.T) {
	s := &service{ctl: &fakeController{full: true}}

	err := s.Pause()
	require.NotNil(t, err)
	assert.Equal(t, "org.nvr.IntrusionWarning.Pause", err.Name)
	assert.Equal(t, []interface{}{"command queue full"}, err.Body)
}

func TestStatus(t *testing.T) {
	s := &service{ctl: &fakeController{status: monitor.Status{Mode: "monitoring", Count: 3, Paused: true}}}

	out, dbusErr := s.Status()
	require.Nil(t, dbusErr)

	var got monitor.Status
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "monitoring", got.Mode)
	assert.Equal(t, 3, got.Count)
	assert.True(t, got.Paused)
}

func TestIntrospection(t *testing.T) {
	node := genIntrospectable(&service{ctl: &fakeController{}})
	xml, dbusErr := node.Introspect()
	require.Nil(t, dbusErr)

	for _, method := range []string{"Status", "Pause", "Resume"} {
		assert.Contains(t, xml, `<method name="`+method+`">`)
	}
}

type fakeBus struct {
	reply     dbus.RequestNameReply
	nameErr   error
	exportErr error
	exported  []string
	closed    bool
}

func (b *fakeBus) RequestName(string, dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	return b.reply, b.nameErr
}

func (b *fakeBus) Export(_ interface{}, _ dbus.ObjectPath, iface string) error {
	if b.exportErr != nil {
		return b.exportErr
	}
	b.exported = append(b.exported, iface)
	return nil
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

func TestRegister(t *testing.T) {
	b := &fakeBus{reply: dbus.RequestNameReplyPrimaryOwner}

	require.NoError(t, register(b, &fakeController{}))
	assert.Equal(t, []string{dbusName, "org.freedesktop.DBus.Introspectable"}, b.exported)
	assert.False(t, b.closed)
}

func TestRegisterClosesOnFailure(t *testing.T) {
	tests := []struct {
		name string
		bus  *fakeBus
	}{
		{"request name fails", &fakeBus{nameErr: errors.New("access denied")}},
		{"name taken", &fakeBus{reply: dbus.RequestNameReplyExists}},
		{"export fails", &fakeBus{reply: dbus.RequestNameReplyPrimaryOwner, exportErr: errors.New("in use")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, register(tt.bus, &fakeController{}))
			assert.True(t, tt.bus.closed)
		})
	}
}
