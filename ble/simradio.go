package ble

import (
	"fmt"
	"sync"

	"github.com/user/echomesh/logger"
)

// SimBus is an in-process radio medium connecting any number of SimRadios.
// It simulates over-the-air behavior: advertisers are only visible to
// scanners that can reach them, RSSI is configurable per device pair, and
// links can be partitioned to build multi-hop topologies in tests.
type SimBus struct {
	mu          sync.Mutex
	radios      map[string]*SimRadio
	unreachable map[string]bool // "a|b" with a < b
	rssi        map[string]int  // "a|b" with a < b
}

// NewSimBus creates an empty bus
func NewSimBus() *SimBus {
	return &SimBus{
		radios:      make(map[string]*SimRadio),
		unreachable: make(map[string]bool),
		rssi:        make(map[string]int),
	}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// SetReachable controls whether two devices can see each other (default yes)
func (bus *SimBus) SetReachable(a, b string, reachable bool) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if reachable {
		delete(bus.unreachable, pairKey(a, b))
	} else {
		bus.unreachable[pairKey(a, b)] = true
	}
}

// SetRSSI sets the signal level reported between two devices (default -50)
func (bus *SimBus) SetRSSI(a, b string, rssi int) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.rssi[pairKey(a, b)] = rssi
}

func (bus *SimBus) reachableLocked(a, b string) bool {
	return !bus.unreachable[pairKey(a, b)]
}

func (bus *SimBus) rssiLocked(a, b string) int {
	if v, ok := bus.rssi[pairKey(a, b)]; ok {
		return v
	}
	return -50
}

// NewRadio creates a radio attached to this bus
func (bus *SimBus) NewRadio(deviceUUID string) *SimRadio {
	r := &SimRadio{
		bus:         bus,
		deviceUUID:  deviceUUID,
		maxWrite:    DefaultSimMaxWrite,
		subscribers: make(map[string]bool),
		connected:   make(map[string]bool),
	}
	bus.mu.Lock()
	bus.radios[deviceUUID] = r
	bus.mu.Unlock()
	return r
}

// DefaultSimMaxWrite is the simulated max-write-without-response length,
// roughly a 185-byte ATT payload as seen on modern phones.
const DefaultSimMaxWrite = 185

// simEventQueueLen bounds the per-radio event dispatch queue
const simEventQueueLen = 256

// SimRadio implements Radio over a SimBus. Events for a given radio are
// dispatched from a single goroutine so per-source ordering holds, matching
// the platform guarantee the core relies on.
type SimRadio struct {
	bus        *SimBus
	deviceUUID string

	mu           sync.Mutex
	events       RadioEvents
	started      bool
	advertising  bool
	advService   string
	scanning     bool
	scanService  string
	allowDup     bool
	maxWrite     int
	subscribers  map[string]bool // centrals subscribed to our characteristic
	connected    map[string]bool // peripherals we connected to as central
	failNotifies int             // test knob: fail next N notification publishes

	queue chan func()
	done  chan struct{}
}

// SetEvents implements Radio
func (r *SimRadio) SetEvents(events RadioEvents) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = events
}

// Start implements Radio: powers on both roles
func (r *SimRadio) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.queue = make(chan func(), simEventQueueLen)
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.dispatchLoop()

	r.deliver(func(e RadioEvents) { e.CentralState(RadioStatePoweredOn) })
	r.deliver(func(e RadioEvents) { e.PeripheralState(RadioStatePoweredOn) })
	return nil
}

// Stop implements Radio
func (r *SimRadio) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.advertising = false
	r.scanning = false
	peers := make([]string, 0, len(r.connected))
	for uuid := range r.connected {
		peers = append(peers, uuid)
	}
	r.connected = make(map[string]bool)
	r.subscribers = make(map[string]bool)
	done := r.done
	r.mu.Unlock()

	for _, peer := range peers {
		if target := r.lookup(peer); target != nil {
			target.centralGone(r.deviceUUID)
		}
	}
	close(done)
}

func (r *SimRadio) dispatchLoop() {
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.queue:
			fn()
		}
	}
}

// deliver queues an event callback for ordered dispatch
func (r *SimRadio) deliver(fn func(RadioEvents)) {
	r.mu.Lock()
	events := r.events
	started := r.started
	queue := r.queue
	r.mu.Unlock()

	if !started || events == nil {
		return
	}
	select {
	case queue <- func() { fn(events) }:
	default:
		logger.Warn(fmt.Sprintf("%s SimRadio", shortID(r.deviceUUID)), "event queue overflow, dropping event")
	}
}

func (r *SimRadio) lookup(deviceUUID string) *SimRadio {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	return r.bus.radios[deviceUUID]
}

// --- Scanning and advertising --------------------------------------------

// StartScan implements Radio: reports every reachable advertiser of the
// service immediately, and again whenever a new advertiser appears.
func (r *SimRadio) StartScan(serviceUUID string, allowDuplicates bool) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return fmt.Errorf("radio %s not started", r.deviceUUID)
	}
	r.scanning = true
	r.scanService = serviceUUID
	r.allowDup = allowDuplicates
	r.mu.Unlock()

	r.bus.mu.Lock()
	type hit struct {
		uuid string
		rssi int
	}
	var hits []hit
	for uuid, other := range r.bus.radios {
		if uuid == r.deviceUUID || !r.bus.reachableLocked(r.deviceUUID, uuid) {
			continue
		}
		other.mu.Lock()
		visible := other.started && other.advertising && other.advService == serviceUUID
		other.mu.Unlock()
		if visible {
			hits = append(hits, hit{uuid, r.bus.rssiLocked(r.deviceUUID, uuid)})
		}
	}
	r.bus.mu.Unlock()

	for _, h := range hits {
		h := h
		r.deliver(func(e RadioEvents) { e.Discovered(h.uuid, h.rssi, true) })
	}
	return nil
}

// StopScan implements Radio
func (r *SimRadio) StopScan() {
	r.mu.Lock()
	r.scanning = false
	r.mu.Unlock()
}

// StartAdvertising implements Radio: becomes visible to active scanners.
func (r *SimRadio) StartAdvertising(serviceUUID string) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return fmt.Errorf("radio %s not started", r.deviceUUID)
	}
	r.advertising = true
	r.advService = serviceUUID
	r.mu.Unlock()

	r.bus.mu.Lock()
	type hit struct {
		scanner *SimRadio
		rssi    int
	}
	var hits []hit
	for uuid, other := range r.bus.radios {
		if uuid == r.deviceUUID || !r.bus.reachableLocked(r.deviceUUID, uuid) {
			continue
		}
		other.mu.Lock()
		watching := other.started && other.scanning && other.scanService == serviceUUID
		other.mu.Unlock()
		if watching {
			hits = append(hits, hit{other, r.bus.rssiLocked(r.deviceUUID, uuid)})
		}
	}
	r.bus.mu.Unlock()

	for _, h := range hits {
		h := h
		uuid := r.deviceUUID
		h.scanner.deliver(func(e RadioEvents) { e.Discovered(uuid, h.rssi, true) })
	}
	return nil
}

// StopAdvertising implements Radio
func (r *SimRadio) StopAdvertising() {
	r.mu.Lock()
	r.advertising = false
	r.mu.Unlock()
}

// --- Connections ----------------------------------------------------------

// Connect implements Radio
func (r *SimRadio) Connect(deviceUUID string) error {
	target := r.lookup(deviceUUID)

	r.bus.mu.Lock()
	reachable := r.bus.reachableLocked(r.deviceUUID, deviceUUID)
	r.bus.mu.Unlock()

	if target == nil || !reachable {
		r.deliver(func(e RadioEvents) { e.ConnectFailed(deviceUUID, ErrNotConnected) })
		return nil
	}

	target.mu.Lock()
	accepting := target.started && target.advertising
	target.mu.Unlock()
	if !accepting {
		r.deliver(func(e RadioEvents) { e.ConnectFailed(deviceUUID, fmt.Errorf("device %s not accepting connections", deviceUUID)) })
		return nil
	}

	r.mu.Lock()
	r.connected[deviceUUID] = true
	r.mu.Unlock()

	r.deliver(func(e RadioEvents) { e.Connected(deviceUUID) })
	return nil
}

// CancelConnect implements Radio: cancels a pending connect or tears down an
// established connection.
func (r *SimRadio) CancelConnect(deviceUUID string) {
	r.mu.Lock()
	wasConnected := r.connected[deviceUUID]
	delete(r.connected, deviceUUID)
	r.mu.Unlock()

	if !wasConnected {
		return
	}

	r.deliver(func(e RadioEvents) { e.Disconnected(deviceUUID, nil) })
	if target := r.lookup(deviceUUID); target != nil {
		target.centralGone(r.deviceUUID)
	}
}

// centralGone handles a central disappearing from the peripheral side
func (r *SimRadio) centralGone(centralUUID string) {
	r.mu.Lock()
	wasSubscribed := r.subscribers[centralUUID]
	delete(r.subscribers, centralUUID)
	r.mu.Unlock()

	if wasSubscribed {
		r.deliver(func(e RadioEvents) { e.Unsubscribed(centralUUID) })
	}
}

// DiscoverCharacteristic implements Radio. Discovery success also subscribes
// us to the characteristic, which is what the core does right after
// discovery on real stacks.
func (r *SimRadio) DiscoverCharacteristic(deviceUUID, serviceUUID, charUUID string) error {
	r.mu.Lock()
	connected := r.connected[deviceUUID]
	r.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	target := r.lookup(deviceUUID)
	if target == nil {
		return ErrNotConnected
	}

	r.deliver(func(e RadioEvents) { e.ServiceDiscovered(deviceUUID) })
	r.deliver(func(e RadioEvents) { e.CharacteristicDiscovered(deviceUUID, charUUID) })

	target.mu.Lock()
	target.subscribers[r.deviceUUID] = true
	target.mu.Unlock()
	central := r.deviceUUID
	target.deliver(func(e RadioEvents) { e.Subscribed(central) })
	return nil
}

// --- Data transfer --------------------------------------------------------

// Write implements Radio: delivers data to the peripheral as a characteristic
// write.
func (r *SimRadio) Write(deviceUUID, charUUID string, data []byte, mode WriteMode) error {
	r.mu.Lock()
	connected := r.connected[deviceUUID]
	r.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	target := r.lookup(deviceUUID)
	if target == nil {
		return ErrNotConnected
	}
	if len(data) > target.MaxWrite() {
		return fmt.Errorf("write of %d bytes exceeds max %d for %s", len(data), target.MaxWrite(), deviceUUID)
	}

	central := r.deviceUUID
	payload := append([]byte(nil), data...)
	target.deliver(func(e RadioEvents) { e.WriteReceived(central, payload) })
	return nil
}

// MaxWriteLen implements Radio: the peer's advertised max write length.
func (r *SimRadio) MaxWriteLen(deviceUUID string) int {
	target := r.lookup(deviceUUID)
	if target == nil {
		return 0
	}
	return target.MaxWrite()
}

// PublishNotification implements Radio: delivers the characteristic value to
// each subscribed central.
func (r *SimRadio) PublishNotification(charUUID string, data []byte, subscribers []string) error {
	r.mu.Lock()
	if r.failNotifies > 0 {
		r.failNotifies--
		r.mu.Unlock()
		return ErrNotifyQueueFull
	}
	source := r.deviceUUID
	r.mu.Unlock()

	payload := append([]byte(nil), data...)
	for _, sub := range subscribers {
		r.mu.Lock()
		ok := r.subscribers[sub]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if target := r.lookup(sub); target != nil {
			target.deliver(func(e RadioEvents) { e.NotificationReceived(source, payload) })
		}
	}
	return nil
}

// --- Test knobs -----------------------------------------------------------

// MaxWrite returns the simulated max-write-without-response length
func (r *SimRadio) MaxWrite() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxWrite
}

// SetMaxWrite overrides the simulated max write length
func (r *SimRadio) SetMaxWrite(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxWrite = n
}

// FailNotifies makes the next n PublishNotification calls report a full
// queue, for exercising the pending-notify path.
func (r *SimRadio) FailNotifies(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNotifies = n
}

// SignalReady emits a ReadyToNotify event, as the OS does when its update
// queue drains.
func (r *SimRadio) SignalReady() {
	r.deliver(func(e RadioEvents) { e.ReadyToNotify() })
}

// DeviceUUID returns this radio's device identifier
func (r *SimRadio) DeviceUUID() string {
	return r.deviceUUID
}
