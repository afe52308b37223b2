// Package bluez implements the remote.Transport interface on top of the
// BlueZ D-Bus API. It is the production transport; tests run against an
// in-memory fake instead.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/ndavat/rokuMote-sub000/logger"
	"github.com/ndavat/rokuMote-sub000/remote"
)

const (
	busName          = "org.bluez"
	defaultAdapter   = "/org/bluez/hci0"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattServiceIface = "org.bluez.GattService1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	propsIface       = "org.freedesktop.DBus.Properties"
	objManagerIface  = "org.freedesktop.DBus.ObjectManager"

	servicesResolvedWait = 500 * time.Millisecond
)

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr, ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// macFromPath extracts the MAC address from a BlueZ device object path.
func macFromPath(adapter, path dbus.ObjectPath) string {
	prefix := string(adapter) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// Transport drives a BlueZ adapter over the system D-Bus.
type Transport struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	signals chan *dbus.Signal

	mu         sync.Mutex
	onLinkLost func(deviceID string, cause error)
	onAdapter  func(powered bool)
	onFound    func(remote.Device)
	links      map[string]*link

	prefix string
}

// New connects to the system bus and verifies BlueZ is present.
func New() (*Transport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus; is bluetooth.service running?")
	}

	t := &Transport{
		conn:    conn,
		adapter: defaultAdapter,
		signals: make(chan *dbus.Signal, 32),
		links:   make(map[string]*link),
		prefix:  "BlueZ",
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace("/org/bluez"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to property changes: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to object additions: %w", err)
	}
	conn.Signal(t.signals)
	go t.watch()

	return t, nil
}

// Close releases the bus connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) SetLinkLostHandler(fn func(deviceID string, cause error)) {
	t.mu.Lock()
	t.onLinkLost = fn
	t.mu.Unlock()
}

func (t *Transport) SetAdapterStateHandler(fn func(powered bool)) {
	t.mu.Lock()
	t.onAdapter = fn
	t.mu.Unlock()
}

// Ready verifies the adapter is powered before any scan or connect.
func (t *Transport) Ready() error {
	v, err := t.getProp(t.adapter, adapterIface, "Powered")
	if err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && strings.Contains(dbusErr.Name, "AccessDenied") {
			return fmt.Errorf("adapter query denied: %w", remote.ErrPermissionDenied)
		}
		return fmt.Errorf("query adapter power: %w", err)
	}
	powered, _ := v.Value().(bool)
	if !powered {
		return fmt.Errorf("adapter %s: %w", t.adapter, remote.ErrAdapterDisabled)
	}
	return nil
}

// Scan starts BLE discovery, reporting every device BlueZ already knows and
// every InterfacesAdded that follows.
func (t *Transport) Scan(serviceFilter []string, onFound func(remote.Device)) (func(), error) {
	adapter := t.conn.Object(busName, t.adapter)

	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if len(serviceFilter) > 0 {
		filter["UUIDs"] = serviceFilter
	}
	if err := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		// some adapters reject filters; discovery still works without one
		logger.Debug(t.prefix, "SetDiscoveryFilter: %v", err)
	}

	t.mu.Lock()
	t.onFound = onFound
	t.mu.Unlock()

	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		t.mu.Lock()
		t.onFound = nil
		t.mu.Unlock()
		return nil, fmt.Errorf("start discovery: %w: %v", remote.ErrConnectionFailed, err)
	}
	logger.Info(t.prefix, "discovery started")

	// replay devices BlueZ has already cached
	go t.reportKnownDevices()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			t.mu.Lock()
			t.onFound = nil
			t.mu.Unlock()
			if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
				logger.Warn(t.prefix, "stop discovery: %v", err)
			}
		})
	}
	return stop, nil
}

func (t *Transport) reportKnownDevices() {
	objects, err := t.managedObjects()
	if err != nil {
		logger.Warn(t.prefix, "enumerate known devices: %v", err)
		return
	}
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), string(t.adapter)+"/dev_") {
			continue
		}
		t.reportDevice(path, props)
	}
}

func (t *Transport) reportDevice(path dbus.ObjectPath, props map[string]dbus.Variant) {
	t.mu.Lock()
	onFound := t.onFound
	t.mu.Unlock()
	if onFound == nil {
		return
	}

	dev := remote.Device{
		ID:          macFromPath(t.adapter, path),
		Connectable: true,
		LastSeen:    time.Now(),
	}
	if v, ok := props["Address"]; ok {
		if addr, ok := v.Value().(string); ok {
			dev.ID = addr
		}
	}
	if v, ok := props["Alias"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if dev.Name == "" {
		if v, ok := props["Name"]; ok {
			dev.Name, _ = v.Value().(string)
		}
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			dev.RSSI = int(rssi)
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			dev.ServiceUUIDs = uuids
		}
	}
	if dev.ID == "" {
		return
	}
	onFound(dev)
}

// OpenLink connects to deviceID within timeout and waits for service
// resolution.
func (t *Transport) OpenLink(ctx context.Context, deviceID string, timeout time.Duration) (remote.Link, error) {
	path := deviceObjectPath(t.adapter, deviceID)
	obj := t.conn.Object(busName, path)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return nil, classifyConnectError(deviceID, err)
	}

	// GATT objects appear once ServicesResolved flips true
	for {
		v, err := t.getProp(path, deviceIface, "ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				break
			}
		}
		select {
		case <-ctx.Done():
			_ = obj.Call(deviceIface+".Disconnect", 0).Err
			return nil, fmt.Errorf("waiting for services on %s: %w", deviceID, remote.ErrTimeout)
		case <-time.After(servicesResolvedWait):
		}
	}

	l := &link{t: t, deviceID: deviceID, path: path, active: true}
	t.mu.Lock()
	t.links[deviceID] = l
	t.mu.Unlock()

	logger.Info(t.prefix, "link to %s open", deviceID)
	return l, nil
}

func classifyConnectError(deviceID string, err error) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch {
		case strings.Contains(dbusErr.Name, "UnknownObject"),
			strings.Contains(dbusErr.Name, "DoesNotExist"):
			return fmt.Errorf("device %s: %w", deviceID, remote.ErrDeviceNotFound)
		case strings.Contains(dbusErr.Name, "AccessDenied"):
			return fmt.Errorf("device %s: %w", deviceID, remote.ErrPermissionDenied)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("connect to %s: %w", deviceID, remote.ErrTimeout)
	}
	return fmt.Errorf("connect to %s: %w: %v", deviceID, remote.ErrConnectionFailed, err)
}

// DiscoverServices lists the GATT service UUIDs exposed by the linked device.
func (t *Transport) DiscoverServices(ctx context.Context, ln remote.Link) ([]string, error) {
	l, ok := ln.(*link)
	if !ok {
		return nil, fmt.Errorf("link is not a bluez link")
	}

	objects, err := t.managedObjects()
	if err != nil {
		return nil, fmt.Errorf("enumerate services for %s: %w", l.deviceID, err)
	}

	var uuids []string
	prefix := string(l.path) + "/service"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		svc, ok := ifaces[gattServiceIface]
		if !ok {
			continue
		}
		if v, ok := svc["UUID"]; ok {
			if u, ok := v.Value().(string); ok {
				uuids = append(uuids, u)
			}
		}
	}
	return uuids, nil
}

// Write delivers data to the characteristic, resolving and caching its object
// path on first use.
func (t *Transport) Write(ctx context.Context, ln remote.Link, serviceUUID, characteristicUUID string, data []byte) error {
	l, ok := ln.(*link)
	if !ok {
		return fmt.Errorf("link is not a bluez link")
	}

	charPath, err := l.characteristicPath(serviceUUID, characteristicUUID)
	if err != nil {
		return err
	}

	obj := t.conn.Object(busName, charPath)
	opts := map[string]interface{}{}
	if err := obj.CallWithContext(ctx, gattCharIface+".WriteValue", 0, data, opts).Err; err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && strings.Contains(dbusErr.Name, "NotConnected") {
			l.markInactive()
			return fmt.Errorf("write to %s: %w", l.deviceID, remote.ErrConnectionLost)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("write to %s: %w", l.deviceID, remote.ErrTimeout)
		}
		return fmt.Errorf("write to %s failed: %v", l.deviceID, err)
	}
	return nil
}

func (t *Transport) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(busName, "/")
	if err := obj.Call(objManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (t *Transport) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := t.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

// watch dispatches PropertiesChanged and InterfacesAdded signals into the
// registered handlers.
func (t *Transport) watch() {
	for sig := range t.signals {
		switch sig.Name {
		case propsIface + ".PropertiesChanged":
			t.handlePropertiesChanged(sig)
		case objManagerIface + ".InterfacesAdded":
			t.handleInterfacesAdded(sig)
		}
	}
}

func (t *Transport) handlePropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	if changed == nil {
		return
	}

	switch iface {
	case adapterIface:
		if v, ok := changed["Powered"]; ok {
			powered, _ := v.Value().(bool)
			logger.Info(t.prefix, "adapter powered=%v", powered)
			t.mu.Lock()
			onAdapter := t.onAdapter
			t.mu.Unlock()
			if onAdapter != nil {
				onAdapter(powered)
			}
		}

	case deviceIface:
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		if connected, _ := v.Value().(bool); connected {
			return
		}
		deviceID := macFromPath(t.adapter, sig.Path)
		if deviceID == "" {
			return
		}
		t.mu.Lock()
		l := t.links[deviceID]
		onLost := t.onLinkLost
		t.mu.Unlock()
		if l == nil {
			return
		}
		l.markInactive()
		logger.Warn(t.prefix, "device %s reported disconnected", deviceID)
		if onLost != nil {
			onLost(deviceID, remote.ErrConnectionLost)
		}
	}
}

func (t *Transport) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	if ifaces == nil {
		return
	}
	if props, ok := ifaces[deviceIface]; ok {
		t.reportDevice(path, props)
	}
}

// link is a live connection to one peripheral.
type link struct {
	t        *Transport
	deviceID string
	path     dbus.ObjectPath

	mu       sync.Mutex
	active   bool
	charPath dbus.ObjectPath
}

func (l *link) DeviceID() string { return l.deviceID }

func (l *link) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *link) markInactive() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

func (l *link) Close() error {
	l.markInactive()
	l.t.mu.Lock()
	delete(l.t.links, l.deviceID)
	l.t.mu.Unlock()

	obj := l.t.conn.Object(busName, l.path)
	if err := obj.Call(deviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("disconnect %s: %v", l.deviceID, err)
	}
	return nil
}

// characteristicPath resolves (and caches) the object path of the command
// characteristic under the configured service.
func (l *link) characteristicPath(serviceUUID, characteristicUUID string) (dbus.ObjectPath, error) {
	l.mu.Lock()
	if l.charPath != "" {
		p := l.charPath
		l.mu.Unlock()
		return p, nil
	}
	l.mu.Unlock()

	objects, err := l.t.managedObjects()
	if err != nil {
		return "", fmt.Errorf("enumerate characteristics: %v", err)
	}

	var servicePath dbus.ObjectPath
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(l.path)+"/service") {
			continue
		}
		svc, ok := ifaces[gattServiceIface]
		if !ok {
			continue
		}
		if v, ok := svc["UUID"]; ok {
			if u, _ := v.Value().(string); strings.EqualFold(u, serviceUUID) {
				servicePath = path
				break
			}
		}
	}
	if servicePath == "" {
		return "", fmt.Errorf("service %s on %s: %w", serviceUUID, l.deviceID, remote.ErrServiceNotFound)
	}

	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(servicePath)+"/char") {
			continue
		}
		ch, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		if v, ok := ch["UUID"]; ok {
			if u, _ := v.Value().(string); strings.EqualFold(u, characteristicUUID) {
				l.mu.Lock()
				l.charPath = path
				l.mu.Unlock()
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("characteristic %s on %s: %w", characteristicUUID, l.deviceID, remote.ErrCharacteristicNotFound)
}
