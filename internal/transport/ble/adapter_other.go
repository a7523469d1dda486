//go:build !linux

package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// Only the Linux stack can select an adapter by name.
func newAdapter(string) (*bluetooth.Adapter, error) {
	return bluetooth.DefaultAdapter, nil
}

func lookupAdapter(string) error { return nil }

// watchLinks relies on the library connect handler, keyed by central address.
func watchLinks(adapter *bluetooth.Adapter, _ string, onLink func(string, bool)) (func(), error) {
	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		onLink(fmt.Sprint(device.Address), connected)
	})
	return func() {
		adapter.SetConnectHandler(func(bluetooth.Device, bool) {})
	}, nil
}
