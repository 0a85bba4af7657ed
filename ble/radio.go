package ble

// RadioState represents the power state of one radio role, mirroring the
// states the platform stacks report.
type RadioState int

const (
	RadioStateUnknown RadioState = iota
	RadioStateUnsupported
	RadioStateUnauthorized
	RadioStatePoweredOff
	RadioStatePoweredOn
)

// String returns the string representation of the RadioState
func (s RadioState) String() string {
	switch s {
	case RadioStateUnsupported:
		return "unsupported"
	case RadioStateUnauthorized:
		return "unauthorized"
	case RadioStatePoweredOff:
		return "poweredOff"
	case RadioStatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// WriteMode selects the BLE write variant
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

// Radio is the contract the mesh core requires from the platform BLE stack.
// Devices are referred to only by stable string identifiers; the adapter owns
// whatever OS objects stand behind them.
//
// All methods are called from the engine side only. The adapter delivers its
// events through the RadioEvents sink registered with SetEvents.
type Radio interface {
	// SetEvents registers the event sink. Must be called before Start.
	SetEvents(events RadioEvents)

	// Start powers up both roles. State events follow asynchronously.
	Start() error
	// Stop powers down both roles and releases OS resources.
	Stop()

	// StartScan begins scanning for peripherals advertising serviceUUID.
	StartScan(serviceUUID string, allowDuplicates bool) error
	// StopScan stops an active scan. Safe to call when not scanning.
	StopScan()

	// Connect asks the OS to connect to a discovered device.
	Connect(deviceUUID string) error
	// CancelConnect cancels a pending connect or tears down an established
	// connection (the platform call is the same for both).
	CancelConnect(deviceUUID string)

	// DiscoverCharacteristic runs service + characteristic discovery on a
	// connected device. Results arrive as events.
	DiscoverCharacteristic(deviceUUID, serviceUUID, charUUID string) error

	// Write sends data to a connected peripheral's characteristic.
	Write(deviceUUID, charUUID string, data []byte, mode WriteMode) error

	// MaxWriteLen returns the device's maximum write-without-response length.
	MaxWriteLen(deviceUUID string) int

	// StartAdvertising begins advertising the service UUID (no local name).
	StartAdvertising(serviceUUID string) error
	// StopAdvertising stops advertising.
	StopAdvertising()

	// PublishNotification updates the hosted characteristic value for the
	// given subscribers. Returns ErrNotifyQueueFull when the OS update queue
	// is saturated; the caller retries after ReadyToNotify.
	PublishNotification(charUUID string, data []byte, subscribers []string) error
}

// RadioEvents is the sink for events the adapter delivers to the core.
// Implementations hand events off to the engine task; they must not block.
type RadioEvents interface {
	CentralState(state RadioState)
	PeripheralState(state RadioState)

	Discovered(deviceUUID string, rssi int, connectable bool)
	Connected(deviceUUID string)
	ConnectFailed(deviceUUID string, err error)
	Disconnected(deviceUUID string, err error)
	ServiceDiscovered(deviceUUID string)
	CharacteristicDiscovered(deviceUUID, charUUID string)
	NotificationReceived(deviceUUID string, data []byte)

	Subscribed(centralUUID string)
	Unsubscribed(centralUUID string)
	WriteReceived(centralUUID string, data []byte)
	ReadyToNotify()
}
