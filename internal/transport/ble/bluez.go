package ble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService     = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"
	propsInterface   = "org.freedesktop.DBus.Properties"
	propsChanged     = propsInterface + ".PropertiesChanged"
	managedObjects   = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

var (
	ErrAdapterNotFound    = errors.New("bluetooth adapter not found")
	ErrAdapterUnsupported = errors.New("bluetooth adapter cannot host the radar service")
)

// objectTree is the reply of org.freedesktop.DBus.ObjectManager.GetManagedObjects.
type objectTree = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func adapterPath(id string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + id)
}

// findAdapter reports whether BlueZ exports an adapter named id.
func findAdapter(objects objectTree, id string) error {
	if _, ok := objects[adapterPath(id)][adapterInterface]; !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	return nil
}

func underAdapter(path, adapter dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(adapter)+"/")
}

// connectedDevices lists the devices of adapter that BlueZ already reports
// as connected.
func connectedDevices(objects objectTree, adapter dbus.ObjectPath) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objects {
		dev, ok := ifaces[deviceInterface]
		if !ok || !underAdapter(path, adapter) {
			continue
		}
		if c, ok := dev["Connected"].Value().(bool); ok && c {
			out = append(out, path)
		}
	}
	return out
}

// linkChange extracts a Device1 Connected change from a PropertiesChanged
// signal emitted under adapter.
func linkChange(sig *dbus.Signal, adapter dbus.ObjectPath) (dbus.ObjectPath, bool, bool) {
	if sig == nil || sig.Name != propsChanged || !underAdapter(sig.Path, adapter) || len(sig.Body) < 2 {
		return "", false, false
	}
	if iface, _ := sig.Body[0].(string); iface != deviceInterface {
		return "", false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false, false
	}
	v, ok := changed["Connected"]
	if !ok {
		return "", false, false
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return "", false, false
	}
	return sig.Path, connected, true
}

// linkWatcher turns BlueZ device signals into link callbacks.
type linkWatcher struct {
	adapter dbus.ObjectPath
	onLink  func(device string, connected bool)
}

// run consumes signals until stop is closed or signals is closed.
func (w *linkWatcher) run(signals <-chan *dbus.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if dev, connected, ok := linkChange(sig, w.adapter); ok {
				w.onLink(string(dev), connected)
			}
		}
	}
}
