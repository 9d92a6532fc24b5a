package camsend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	nmBusName  = "org.freedesktop.NetworkManager"
	nmRootPath = dbus.ObjectPath("/org/freedesktop/NetworkManager")

	// NM_DEVICE_STATE_ACTIVATED
	nmDeviceStateActivated uint32 = 100

	nmcliTimeout = 10 * time.Second
)

// NMRadio drives a wifi interface managed by NetworkManager: nmcli starts
// the association without waiting, the system bus reports device state.
type NMRadio struct {
	iface string
	conn  *dbus.Conn
	log   *zap.Logger
}

func NewNMRadio(iface string, logger *zap.Logger) (*NMRadio, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	return &NMRadio{iface: iface, conn: conn, log: orNop(logger).Named("radio")}, nil
}

func (r *NMRadio) nmcli(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), nmcliTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nmcli", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *NMRadio) Activate() error {
	return r.nmcli("radio", "wifi", "on")
}

func (r *NMRadio) Connect(ssid, password string) error {
	args := []string{"--wait", "0", "device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	args = append(args, "ifname", r.iface)
	return r.nmcli(args...)
}

func (r *NMRadio) IsConnected() bool {
	var dev dbus.ObjectPath
	err := r.conn.Object(nmBusName, nmRootPath).
		Call(nmBusName+".GetDeviceByIpIface", 0, r.iface).
		Store(&dev)
	if err != nil {
		r.log.Debug("device lookup failed", zap.String("iface", r.iface), zap.Error(err))
		return false
	}
	v, err := r.conn.Object(nmBusName, dev).GetProperty(nmBusName + ".Device.State")
	if err != nil {
		r.log.Debug("device state read failed", zap.String("iface", r.iface), zap.Error(err))
		return false
	}
	state, ok := v.Value().(uint32)
	return ok && state == nmDeviceStateActivated
}

func (r *NMRadio) Close() error {
	return r.conn.Close()
}
