package ble

import "time"

// Service and characteristic identifiers. Peripherals advertise the service
// UUID only, with no local name. The testnet UUID keeps development traffic
// off the production mesh.
const (
	ServiceUUID        = "9a63f3e1-2b4e-4f0a-8c1d-5e7a9b0c4d21"
	ServiceUUIDTestnet = "9a63f3e1-2b4e-4f0a-8c1d-5e7a9b0c4d22"
	CharacteristicUUID = "c45d1f80-6a37-4e92-b519-0d8e2f7a3c64"
)

// Link budget and timing tunables
const (
	// MaxOutboundLinks caps concurrent Connecting+Connected outbound links
	MaxOutboundLinks = 10

	// ConnectRateLimit is the minimum spacing between connect attempts
	ConnectRateLimit = 2 * time.Second

	// ConnectTimeout evicts a link stuck in Connecting
	ConnectTimeout = 10 * time.Second

	// RSSICutoff rejects discoveries at or below this signal level (dBm)
	RSSICutoff = -80

	// DefaultFragmentSize clamps the effective write length
	DefaultFragmentSize = 150

	// PendingNotifyCap bounds the buffer of notifications waiting for the OS
	// update queue; the oldest entry is dropped on overflow
	PendingNotifyCap = 50
)
