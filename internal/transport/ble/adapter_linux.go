package ble

import (
	"cmp"
	"fmt"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// The BlueZ backend of the bluetooth package always binds hci0.
const defaultAdapterID = "hci0"

func newAdapter(id string) (*bluetooth.Adapter, error) {
	if id != "" && id != defaultAdapterID {
		return nil, fmt.Errorf("%w: %s (only %s is supported)", ErrAdapterUnsupported, id, defaultAdapterID)
	}
	return bluetooth.DefaultAdapter, nil
}

func bluezObjects(conn *dbus.Conn) (objectTree, error) {
	var objects objectTree
	if err := conn.Object(bluezService, "/").Call(managedObjects, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("query bluez objects: %w", err)
	}
	return objects, nil
}

// lookupAdapter asks BlueZ whether the adapter exists.
func lookupAdapter(id string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	objects, err := bluezObjects(conn)
	if err != nil {
		return err
	}
	return findAdapter(objects, cmp.Or(id, defaultAdapterID))
}

// watchLinks follows Device1.Connected on the adapter. BlueZ does not fire
// the library connect handler for peripherals, so the signal is read from
// the bus directly.
func watchLinks(_ *bluetooth.Adapter, id string, onLink func(string, bool)) (func(), error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	path := adapterPath(cmp.Or(id, defaultAdapterID))
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(propsInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(path),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("watch bluez devices: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	if objects, err := bluezObjects(conn); err == nil {
		for _, dev := range connectedDevices(objects, path) {
			onLink(string(dev), true)
		}
	}

	w := &linkWatcher{adapter: path, onLink: onLink}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(signals, stop)
	}()
	return func() {
		conn.RemoveSignal(signals)
		conn.RemoveMatchSignal(match...)
		close(stop)
		<-done
	}, nil
}
