package mesh

import "time"

// Compile-time tunables for the mesh engine. Link-level budgets live in the
// ble package next to the code that enforces them.
const (
	// MessageTTL is the hop budget new packets start with
	MessageTTL = 8

	// DedupWindowPackets / DedupCapPackets bound the packet-id deduplicator
	DedupWindowPackets = 30 * time.Second
	DedupCapPackets    = 1000

	// DedupWindowFragments / DedupCapFragments bound the fragment-arrival
	// deduplicator
	DedupWindowFragments = 60 * time.Second
	DedupCapFragments    = 2000

	// FragmentSlotLifetime evicts incomplete reassembly slots
	FragmentSlotLifetime = 30 * time.Second

	// SentFragmentWindow suppresses reflected echoes of our own fragments
	SentFragmentWindow = 60 * time.Second

	// PeerInactivity removes peers and stale links not seen for this long
	PeerInactivity = 30 * time.Second

	// AnnounceMinInterval throttles announce emission
	AnnounceMinInterval = 2 * time.Second

	// PeriodicAnnounce re-announces while at least one link exists
	PeriodicAnnounce = 30 * time.Second

	// MaintenanceInterval drives stale-link eviction and slot sweeps
	MaintenanceInterval = 10 * time.Second

	// TrafficWindow is the sliding window for the traffic estimate feeding
	// the adaptive scanner
	TrafficWindow = 10 * time.Second

	// SettleDelay before the first announce after both radio roles are ready
	SettleDelay = 1 * time.Second

	// PostConnectAnnounceDelay before announcing on a newly usable link
	PostConnectAnnounceDelay = 500 * time.Millisecond

	// ReciprocalAnnounceDelay before answering a peer's announce
	ReciprocalAnnounceDelay = 100 * time.Millisecond
)

// Relay jitter bounds
const (
	RelayJitterMin = 10 * time.Millisecond
	RelayJitterMax = 50 * time.Millisecond
)
