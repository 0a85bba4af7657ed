package ble

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/echomesh/logger"
	"github.com/user/echomesh/protocol"
)

// LinkState is the lifecycle state of an outbound link
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkConnecting
	LinkConnected
	LinkClosing
)

// String returns the string representation of the LinkState
func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkClosing:
		return "closing"
	default:
		return "idle"
	}
}

// outboundLink tracks one device we discovered and may connect to (we are
// the initiator / central for this link).
type outboundLink struct {
	deviceUUID  string
	charUUID    string // set once characteristic discovery completes
	peerID      string // set once the remote announces
	state       LinkState
	lastAttempt time.Time
}

// inboundLink tracks one remote central that subscribed to our hosted
// characteristic (we are the responder / peripheral for this link).
type inboundLink struct {
	centralUUID string
	peerID      string // set once the remote announces
}

type pendingNotify struct {
	data        []byte
	subscribers []string
}

// LinkHandlers are the engine-side callbacks. They are invoked from radio
// event context and must hand off quickly (the engine queues them as events).
type LinkHandlers struct {
	// Data is an inbound frame; source is the device or central UUID it
	// arrived from.
	Data func(sourceUUID string, data []byte)
	// LinkUp fires when an outbound link becomes usable (characteristic
	// discovered) or a central subscribes to us.
	LinkUp func(sourceUUID string)
	// LinkDown fires when a link disappears; peerID is empty if the link was
	// never bound to an announcing peer.
	LinkDown func(sourceUUID, peerID string)
	// StateChanged fires on any radio power state transition.
	StateChanged func()
}

// LinkManager owns the two BLE link-state maps: outbound links we initiate
// as central, and inbound subscriptions from remote centrals. It applies the
// connection budget, the global connect rate limit, the RSSI cutoff and the
// peer-id tie-break before any connect attempt leaves the device.
type LinkManager struct {
	mu sync.RWMutex

	localPeerID string
	serviceUUID string
	charUUID    string
	radio       Radio
	handlers    LinkHandlers

	outbound map[string]*outboundLink // deviceUUID -> link
	inbound  map[string]*inboundLink  // centralUUID -> link

	lastConnectAttempt time.Time
	connectTimers      map[string]*time.Timer

	centralState    RadioState
	peripheralState RadioState

	// Notifications waiting for the OS update queue, oldest first
	pendingNotifies []pendingNotify

	nowFunc func() time.Time
}

// NewLinkManager creates a link manager for the given radio. Handlers must be
// set before Start.
func NewLinkManager(localPeerID, serviceUUID, charUUID string, radio Radio) *LinkManager {
	return &LinkManager{
		localPeerID:   localPeerID,
		serviceUUID:   serviceUUID,
		charUUID:      charUUID,
		radio:         radio,
		outbound:      make(map[string]*outboundLink),
		inbound:       make(map[string]*inboundLink),
		connectTimers: make(map[string]*time.Timer),
		nowFunc:       time.Now,
	}
}

// SetHandlers registers the engine callbacks
func (lm *LinkManager) SetHandlers(h LinkHandlers) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.handlers = h
}

// Start registers with the radio and powers it up
func (lm *LinkManager) Start() error {
	lm.radio.SetEvents(lm)
	return lm.radio.Start()
}

// Stop powers the radio down and clears link state
func (lm *LinkManager) Stop() {
	lm.mu.Lock()
	for _, t := range lm.connectTimers {
		t.Stop()
	}
	lm.connectTimers = make(map[string]*time.Timer)
	lm.outbound = make(map[string]*outboundLink)
	lm.inbound = make(map[string]*inboundLink)
	lm.pendingNotifies = nil
	lm.mu.Unlock()

	lm.radio.StopScan()
	lm.radio.StopAdvertising()
	lm.radio.Stop()
}

func (lm *LinkManager) prefix() string {
	return fmt.Sprintf("%s Links", shortID(lm.localPeerID))
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Ready reports whether both radio roles are powered on
func (lm *LinkManager) Ready() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.centralState == RadioStatePoweredOn && lm.peripheralState == RadioStatePoweredOn
}

// StartScan begins scanning for the mesh service
func (lm *LinkManager) StartScan(allowDuplicates bool) {
	lm.mu.RLock()
	powered := lm.centralState == RadioStatePoweredOn
	lm.mu.RUnlock()
	if !powered {
		return
	}
	if err := lm.radio.StartScan(lm.serviceUUID, allowDuplicates); err != nil {
		logger.Warn(lm.prefix(), "scan start failed: %v", err)
	}
}

// StopScan stops an active scan
func (lm *LinkManager) StopScan() {
	lm.radio.StopScan()
}

// StartAdvertising begins advertising the mesh service
func (lm *LinkManager) StartAdvertising() {
	lm.mu.RLock()
	powered := lm.peripheralState == RadioStatePoweredOn
	lm.mu.RUnlock()
	if !powered {
		return
	}
	if err := lm.radio.StartAdvertising(lm.serviceUUID); err != nil {
		logger.Warn(lm.prefix(), "advertising start failed: %v", err)
	}
}

// --- Initiator role -------------------------------------------------------

// CentralState implements RadioEvents
func (lm *LinkManager) CentralState(state RadioState) {
	lm.mu.Lock()
	lm.centralState = state
	h := lm.handlers
	lm.mu.Unlock()

	logger.Debug(lm.prefix(), "central state: %s", state)
	if h.StateChanged != nil {
		h.StateChanged()
	}
}

// PeripheralState implements RadioEvents
func (lm *LinkManager) PeripheralState(state RadioState) {
	lm.mu.Lock()
	lm.peripheralState = state
	h := lm.handlers
	lm.mu.Unlock()

	logger.Debug(lm.prefix(), "peripheral state: %s", state)
	if h.StateChanged != nil {
		h.StateChanged()
	}
}

// Discovered implements RadioEvents. Applies, in order: the connection
// budget, the global connect rate limit, the RSSI / connectable filter and
// the peer-id tie-break. Only then does a connect attempt start.
func (lm *LinkManager) Discovered(deviceUUID string, rssi int, connectable bool) {
	lm.mu.Lock()

	if link, exists := lm.outbound[deviceUUID]; exists &&
		(link.state == LinkConnecting || link.state == LinkConnected) {
		lm.mu.Unlock()
		return
	}

	active := 0
	for _, link := range lm.outbound {
		if link.state == LinkConnecting || link.state == LinkConnected {
			active++
		}
	}
	if active >= MaxOutboundLinks {
		lm.mu.Unlock()
		logger.Trace(lm.prefix(), "skip %s: link budget exhausted (%d)", shortID(deviceUUID), active)
		return
	}

	now := lm.nowFunc()
	if !lm.lastConnectAttempt.IsZero() && now.Sub(lm.lastConnectAttempt) < ConnectRateLimit {
		lm.mu.Unlock()
		logger.Trace(lm.prefix(), "skip %s: connect rate limit", shortID(deviceUUID))
		return
	}

	if rssi <= RSSICutoff || !connectable {
		lm.mu.Unlock()
		logger.Trace(lm.prefix(), "skip %s: rssi=%d connectable=%v", shortID(deviceUUID), rssi, connectable)
		return
	}

	// Tie-break: both sides hash the device UUID into the peer-id space and
	// only the side with the greater local peer-id initiates. This keeps a
	// simultaneously-discovering pair from building two links.
	candidate := protocol.CandidateIDForDevice(deviceUUID)
	if lm.localPeerID <= candidate {
		lm.mu.Unlock()
		logger.Trace(lm.prefix(), "skip %s: tie-break yields to remote (candidate %s)", shortID(deviceUUID), candidate)
		return
	}

	link := &outboundLink{
		deviceUUID:  deviceUUID,
		state:       LinkConnecting,
		lastAttempt: now,
	}
	lm.outbound[deviceUUID] = link
	lm.lastConnectAttempt = now

	timer := time.AfterFunc(ConnectTimeout, func() { lm.connectTimedOut(deviceUUID) })
	lm.connectTimers[deviceUUID] = timer
	lm.mu.Unlock()

	logger.Info(lm.prefix(), "connecting to %s (rssi=%d)", shortID(deviceUUID), rssi)
	if err := lm.radio.Connect(deviceUUID); err != nil {
		lm.ConnectFailed(deviceUUID, err)
	}
}

func (lm *LinkManager) connectTimedOut(deviceUUID string) {
	lm.mu.Lock()
	link, exists := lm.outbound[deviceUUID]
	if !exists || link.state != LinkConnecting {
		lm.mu.Unlock()
		return
	}
	delete(lm.outbound, deviceUUID)
	delete(lm.connectTimers, deviceUUID)
	peerID := link.peerID
	h := lm.handlers
	lm.mu.Unlock()

	logger.Warn(lm.prefix(), "connect to %s timed out", shortID(deviceUUID))
	lm.radio.CancelConnect(deviceUUID)
	if h.LinkDown != nil {
		h.LinkDown(deviceUUID, peerID)
	}
}

// Connected implements RadioEvents: the OS confirmed the connection, run
// service and characteristic discovery next.
func (lm *LinkManager) Connected(deviceUUID string) {
	lm.mu.RLock()
	_, exists := lm.outbound[deviceUUID]
	lm.mu.RUnlock()
	if !exists {
		return
	}

	logger.Debug(lm.prefix(), "connected to %s, discovering characteristic", shortID(deviceUUID))
	if err := lm.radio.DiscoverCharacteristic(deviceUUID, lm.serviceUUID, lm.charUUID); err != nil {
		lm.ConnectFailed(deviceUUID, err)
	}
}

// ServiceDiscovered implements RadioEvents
func (lm *LinkManager) ServiceDiscovered(deviceUUID string) {
	logger.Trace(lm.prefix(), "service discovered on %s", shortID(deviceUUID))
}

// CharacteristicDiscovered implements RadioEvents: the link is now usable.
func (lm *LinkManager) CharacteristicDiscovered(deviceUUID, charUUID string) {
	lm.mu.Lock()
	link, exists := lm.outbound[deviceUUID]
	if !exists || link.state != LinkConnecting {
		lm.mu.Unlock()
		return
	}
	link.charUUID = charUUID
	link.state = LinkConnected
	if timer, ok := lm.connectTimers[deviceUUID]; ok {
		timer.Stop()
		delete(lm.connectTimers, deviceUUID)
	}
	h := lm.handlers
	lm.mu.Unlock()

	logger.Info(lm.prefix(), "link to %s is up", shortID(deviceUUID))
	if h.LinkUp != nil {
		h.LinkUp(deviceUUID)
	}
}

// ConnectFailed implements RadioEvents
func (lm *LinkManager) ConnectFailed(deviceUUID string, err error) {
	lm.dropOutbound(deviceUUID, err)
}

// Disconnected implements RadioEvents
func (lm *LinkManager) Disconnected(deviceUUID string, err error) {
	lm.dropOutbound(deviceUUID, err)
}

func (lm *LinkManager) dropOutbound(deviceUUID string, cause error) {
	lm.mu.Lock()
	link, exists := lm.outbound[deviceUUID]
	if !exists {
		lm.mu.Unlock()
		return
	}
	delete(lm.outbound, deviceUUID)
	if timer, ok := lm.connectTimers[deviceUUID]; ok {
		timer.Stop()
		delete(lm.connectTimers, deviceUUID)
	}
	peerID := link.peerID
	h := lm.handlers
	lm.mu.Unlock()

	if cause != nil {
		logger.Debug(lm.prefix(), "link to %s dropped: %v", shortID(deviceUUID), cause)
	} else {
		logger.Debug(lm.prefix(), "link to %s dropped", shortID(deviceUUID))
	}
	if h.LinkDown != nil {
		h.LinkDown(deviceUUID, peerID)
	}
}

// NotificationReceived implements RadioEvents: inbound frame on an outbound
// link (the remote peripheral notified us).
func (lm *LinkManager) NotificationReceived(deviceUUID string, data []byte) {
	lm.mu.RLock()
	h := lm.handlers
	lm.mu.RUnlock()
	if h.Data != nil {
		h.Data(deviceUUID, data)
	}
}

// --- Responder role -------------------------------------------------------

// Subscribed implements RadioEvents: a remote central subscribed to our
// characteristic.
func (lm *LinkManager) Subscribed(centralUUID string) {
	lm.mu.Lock()
	if _, exists := lm.inbound[centralUUID]; exists {
		lm.mu.Unlock()
		return
	}
	lm.inbound[centralUUID] = &inboundLink{centralUUID: centralUUID}
	h := lm.handlers
	lm.mu.Unlock()

	logger.Info(lm.prefix(), "central %s subscribed", shortID(centralUUID))
	if h.LinkUp != nil {
		h.LinkUp(centralUUID)
	}
}

// Unsubscribed implements RadioEvents
func (lm *LinkManager) Unsubscribed(centralUUID string) {
	lm.mu.Lock()
	link, exists := lm.inbound[centralUUID]
	if !exists {
		lm.mu.Unlock()
		return
	}
	delete(lm.inbound, centralUUID)
	peerID := link.peerID
	h := lm.handlers
	lm.mu.Unlock()

	logger.Info(lm.prefix(), "central %s unsubscribed", shortID(centralUUID))
	if h.LinkDown != nil {
		h.LinkDown(centralUUID, peerID)
	}
}

// WriteReceived implements RadioEvents: inbound frame from a subscribed
// central.
func (lm *LinkManager) WriteReceived(centralUUID string, data []byte) {
	lm.mu.RLock()
	h := lm.handlers
	lm.mu.RUnlock()
	if h.Data != nil {
		h.Data(centralUUID, data)
	}
}

// ReadyToNotify implements RadioEvents: the OS notification queue drained,
// flush pending updates.
func (lm *LinkManager) ReadyToNotify() {
	for {
		lm.mu.Lock()
		if len(lm.pendingNotifies) == 0 {
			lm.mu.Unlock()
			return
		}
		next := lm.pendingNotifies[0]
		lm.pendingNotifies = lm.pendingNotifies[1:]
		lm.mu.Unlock()

		if err := lm.radio.PublishNotification(lm.charUUID, next.data, next.subscribers); err != nil {
			// Queue filled again, push back and wait for the next ready signal
			lm.mu.Lock()
			lm.pendingNotifies = append([]pendingNotify{next}, lm.pendingNotifies...)
			lm.mu.Unlock()
			return
		}
	}
}

// --- Writes ---------------------------------------------------------------

// Broadcast writes data to every Connected outbound link and publishes it to
// all inbound subscribers. Fire-and-forget: individual link failures are
// logged, never returned.
func (lm *LinkManager) Broadcast(data []byte) {
	lm.mu.RLock()
	if lm.centralState != RadioStatePoweredOn && lm.peripheralState != RadioStatePoweredOn {
		lm.mu.RUnlock()
		logger.Debug(lm.prefix(), "broadcast deferred: radio not powered on")
		return
	}

	type target struct{ deviceUUID, charUUID string }
	var targets []target
	for _, link := range lm.outbound {
		if link.state == LinkConnected {
			targets = append(targets, target{link.deviceUUID, link.charUUID})
		}
	}
	subscribers := make([]string, 0, len(lm.inbound))
	for uuid := range lm.inbound {
		subscribers = append(subscribers, uuid)
	}
	lm.mu.RUnlock()

	for _, t := range targets {
		if err := lm.radio.Write(t.deviceUUID, t.charUUID, data, WriteWithoutResponse); err != nil {
			logger.Warn(lm.prefix(), "write to %s failed: %v", shortID(t.deviceUUID), err)
		}
	}

	if len(subscribers) > 0 {
		if err := lm.radio.PublishNotification(lm.charUUID, data, subscribers); err != nil {
			lm.enqueueNotify(data, subscribers)
		}
	}
}

// enqueueNotify buffers a notification that could not be published because
// the OS update queue was full. Bounded: the oldest update is dropped.
func (lm *LinkManager) enqueueNotify(data []byte, subscribers []string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.pendingNotifies) >= PendingNotifyCap {
		lm.pendingNotifies = lm.pendingNotifies[1:]
		logger.Warn(lm.prefix(), "pending notify buffer full, dropped oldest update")
	}
	lm.pendingNotifies = append(lm.pendingNotifies, pendingNotify{data: data, subscribers: subscribers})
}

// PendingNotifyCount returns the number of buffered notifications
func (lm *LinkManager) PendingNotifyCount() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.pendingNotifies)
}

// EffectiveWriteLen returns the smallest single-shot write size accepted
// across all Connected outbound links, clamped by DefaultFragmentSize.
func (lm *LinkManager) EffectiveWriteLen() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	effective := DefaultFragmentSize
	for _, link := range lm.outbound {
		if link.state != LinkConnected {
			continue
		}
		if max := lm.radio.MaxWriteLen(link.deviceUUID); max > 0 && max < effective {
			effective = max
		}
	}
	return effective
}

// --- Peer binding and queries --------------------------------------------

// BindPeer associates an announcing peer-id with the link that carried the
// announce. A link binds at most once: relayed announces from multi-hop
// peers arrive over the same link and must not steal the binding from the
// peer that directly terminates it. Returns true on first binding.
func (lm *LinkManager) BindPeer(sourceUUID, peerID string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if link, exists := lm.outbound[sourceUUID]; exists {
		if link.peerID != "" {
			return false
		}
		link.peerID = peerID
		return true
	}
	if link, exists := lm.inbound[sourceUUID]; exists {
		if link.peerID != "" {
			return false
		}
		link.peerID = peerID
		return true
	}
	return false
}

// DisconnectPeer tears down the outbound link bound to peerID, if any.
func (lm *LinkManager) DisconnectPeer(peerID string) {
	lm.mu.Lock()
	var target *outboundLink
	for _, link := range lm.outbound {
		if link.peerID == peerID {
			target = link
			break
		}
	}
	if target == nil {
		lm.mu.Unlock()
		return
	}
	target.state = LinkClosing
	lm.mu.Unlock()

	logger.Debug(lm.prefix(), "disconnecting peer %s (%s)", peerID, shortID(target.deviceUUID))
	lm.radio.CancelConnect(target.deviceUUID)
}

// DirectCount returns the number of direct links: Connected outbound links
// plus inbound subscribers.
func (lm *LinkManager) DirectCount() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	n := len(lm.inbound)
	for _, link := range lm.outbound {
		if link.state == LinkConnected {
			n++
		}
	}
	return n
}

// OutboundState returns the state of the outbound link for a device
func (lm *LinkManager) OutboundState(deviceUUID string) LinkState {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if link, exists := lm.outbound[deviceUUID]; exists {
		return link.state
	}
	return LinkIdle
}

// EvictStale removes outbound links that are neither Connected nor
// Connecting and whose last attempt is older than maxAge. Returns the
// peer-ids that were bound to evicted links.
func (lm *LinkManager) EvictStale(maxAge time.Duration) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.nowFunc()
	var evictedPeers []string
	for uuid, link := range lm.outbound {
		if link.state == LinkConnected || link.state == LinkConnecting {
			continue
		}
		if now.Sub(link.lastAttempt) <= maxAge {
			continue
		}
		delete(lm.outbound, uuid)
		if link.peerID != "" {
			evictedPeers = append(evictedPeers, link.peerID)
		}
	}
	return evictedPeers
}
