// Package ble exposes the relay as a Bluetooth LE GATT peripheral.
//
// The peripheral advertises as PULSE_Radar with one service holding a notify
// characteristic for detection packets and a write characteristic for
// commands. The relay is Active while a central is connected; on Linux the
// connection state is read from BlueZ device signals.
package ble

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/banshee-data/rd03d.relay/internal/monitoring"
	"github.com/banshee-data/rd03d.relay/internal/relay"
)

const LocalName = "PULSE_Radar"

var (
	ServiceUUID     = mustParseUUID("00001101-0000-1000-8000-00805f9b34fb")
	DataCharUUID    = mustParseUUID("00002a01-0000-1000-8000-00805f9b34fb")
	CommandCharUUID = mustParseUUID("00002a02-0000-1000-8000-00805f9b34fb")
)

var ErrNotStarted = errors.New("ble peripheral not started")

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// notifier is the write side of the data characteristic.
type notifier interface {
	Write(p []byte) (int, error)
}

var _ relay.Publisher = (*Peripheral)(nil)

// Peripheral serves detection packets over GATT notifications.
type Peripheral struct {
	adapterID string
	ctrl      relay.Control

	// platform hooks, replaced in tests
	lookup func(id string) error
	watch  func(adapter *bluetooth.Adapter, id string, onLink func(string, bool)) (func(), error)

	mu        sync.Mutex
	data      notifier
	links     map[string]struct{}
	stopWatch func()
}

// New returns a peripheral on the named HCI adapter (for example "hci0").
func New(adapterID string, ctrl relay.Control) *Peripheral {
	return &Peripheral{
		adapterID: adapterID,
		ctrl:      ctrl,
		lookup:    lookupAdapter,
		watch:     watchLinks,
		links:     make(map[string]struct{}),
	}
}

// Start checks the adapter exists, enables it, registers the GATT service
// and begins advertising.
func (p *Peripheral) Start() error {
	if err := p.lookup(p.adapterID); err != nil {
		return err
	}
	adapter, err := newAdapter(p.adapterID)
	if err != nil {
		return err
	}
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter %q: %w", p.adapterID, err)
	}

	stop, err := p.watch(adapter, p.adapterID, p.onLink)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.stopWatch = stop
	p.mu.Unlock()

	var data bluetooth.Characteristic
	err = adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &data,
				UUID:   DataCharUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
			{
				UUID:  CommandCharUUID,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					p.onCommand(value)
				},
			},
		},
	})
	if err != nil {
		p.Close()
		return fmt.Errorf("register radar service: %w", err)
	}

	adv := adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    LocalName,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		p.Close()
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		p.Close()
		return fmt.Errorf("start advertising: %w", err)
	}

	p.mu.Lock()
	p.data = &data
	p.mu.Unlock()

	monitoring.Logf("advertising %s on %s, service %s", LocalName, cmp.Or(p.adapterID, "default adapter"), ServiceUUID)
	return nil
}

// Close stops following central connections.
func (p *Peripheral) Close() {
	p.mu.Lock()
	stop := p.stopWatch
	p.stopWatch = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Publish notifies the connected central with packet.
func (p *Peripheral) Publish(packet []byte) error {
	p.mu.Lock()
	data := p.data
	p.mu.Unlock()
	if data == nil {
		return ErrNotStarted
	}
	_, err := data.Write(packet)
	return err
}

// Connected returns the number of connected centrals.
func (p *Peripheral) Connected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

// onLink records a central connecting or disconnecting. Repeated reports for
// the same device are idempotent.
func (p *Peripheral) onLink(device string, connected bool) {
	p.mu.Lock()
	before := len(p.links)
	if connected {
		p.links[device] = struct{}{}
	} else {
		delete(p.links, device)
	}
	after := len(p.links)
	p.mu.Unlock()

	switch {
	case before == 0 && after > 0:
		monitoring.Logf("ble central %s connected", device)
		p.ctrl.SetActive(true)
	case before > 0 && after == 0:
		monitoring.Logf("ble central %s disconnected", device)
		p.ctrl.SetActive(false)
	}
}

func (p *Peripheral) onCommand(value []byte) {
	if len(value) == 0 {
		return
	}
	p.ctrl.HandleCommand(append([]byte(nil), value...))
}
