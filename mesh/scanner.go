package mesh

import (
	"sync"
	"time"

	"github.com/user/echomesh/logger"
)

// ScanMode is the duty-cycle profile used while at least one direct
// connection exists
type ScanMode int

const (
	ScanNormal ScanMode = iota
	ScanDense
	ScanSparse
)

// String returns the string representation of the ScanMode
func (m ScanMode) String() string {
	switch m {
	case ScanDense:
		return "dense"
	case ScanSparse:
		return "sparse"
	default:
		return "normal"
	}
}

// DutyCycle is an alternating scan-on / scan-off interval pair
type DutyCycle struct {
	On  time.Duration
	Off time.Duration
}

var dutyCycles = map[ScanMode]DutyCycle{
	ScanNormal: {On: 10 * time.Second, Off: 5 * time.Second},
	ScanDense:  {On: 5 * time.Second, Off: 10 * time.Second},
	ScanSparse: {On: 5 * time.Second, Off: 15 * time.Second},
}

// Traffic thresholds for mode selection
const (
	denseTraffic  = 10 // packets in the window
	densePeers    = 5
	sparseTraffic = 2
	sparsePeers   = 2
)

// scanControl is the slice of the link manager the scanner drives
type scanControl interface {
	StartScan(allowDuplicates bool)
	StopScan()
}

// AdaptiveScanner is the duty-cycle state machine. With zero direct
// connections it scans continuously with duplicate reporting on; otherwise
// it alternates scan-on and scan-off per the mode table, picking the mode
// from recent traffic and connection count.
type AdaptiveScanner struct {
	mu sync.Mutex

	ctrl   scanControl
	prefix string

	running     bool
	aggressive  bool
	mode        ScanMode
	scanOn      bool
	cycleTimer  *time.Timer
	trace       []time.Time
	connections int

	nowFunc func() time.Time
}

// NewAdaptiveScanner creates a scanner driving the given control
func NewAdaptiveScanner(ctrl scanControl, prefix string) *AdaptiveScanner {
	return &AdaptiveScanner{
		ctrl:    ctrl,
		prefix:  prefix,
		mode:    ScanNormal,
		nowFunc: time.Now,
	}
}

// Start begins scanning. With no connections yet this means aggressive
// continuous scanning.
func (s *AdaptiveScanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.recompute()
}

// Stop halts scanning and the cycle timer
func (s *AdaptiveScanner) Stop() {
	s.mu.Lock()
	s.running = false
	if s.cycleTimer != nil {
		s.cycleTimer.Stop()
		s.cycleTimer = nil
	}
	s.mu.Unlock()

	s.ctrl.StopScan()
}

// ObservePacket records a received packet in the traffic trace and
// recomputes the mode.
func (s *AdaptiveScanner) ObservePacket() {
	s.mu.Lock()
	now := s.nowFunc()
	s.trace = append(s.trace, now)
	s.pruneTraceLocked(now)
	s.mu.Unlock()

	s.recompute()
}

// SetConnections updates the direct-connection count and recomputes the mode
func (s *AdaptiveScanner) SetConnections(n int) {
	s.mu.Lock()
	s.connections = n
	s.mu.Unlock()

	s.recompute()
}

// State returns whether the scanner is aggressive and the current cycle mode
func (s *AdaptiveScanner) State() (aggressive bool, mode ScanMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggressive, s.mode
}

func (s *AdaptiveScanner) pruneTraceLocked(now time.Time) {
	cutoff := now.Add(-TrafficWindow)
	keep := s.trace[:0]
	for _, t := range s.trace {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	s.trace = keep
}

// recompute applies the mode-selection rules and restarts the cycle when the
// state changes.
func (s *AdaptiveScanner) recompute() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	if s.connections == 0 {
		wasAggressive := s.aggressive
		s.aggressive = true
		s.scanOn = true
		if s.cycleTimer != nil {
			s.cycleTimer.Stop()
			s.cycleTimer = nil
		}
		s.mu.Unlock()

		if !wasAggressive {
			logger.Debug(s.prefix, "scanner: aggressive (no connections)")
			s.ctrl.StartScan(true)
		}
		return
	}

	now := s.nowFunc()
	s.pruneTraceLocked(now)
	traffic := len(s.trace)
	peers := s.connections

	var mode ScanMode
	switch {
	case traffic > denseTraffic || peers > densePeers:
		mode = ScanDense
	case traffic < sparseTraffic && peers < sparsePeers:
		mode = ScanSparse
	default:
		mode = ScanNormal
	}

	if !s.aggressive && mode == s.mode {
		s.mu.Unlock()
		return
	}

	s.aggressive = false
	s.mode = mode
	if s.cycleTimer != nil {
		s.cycleTimer.Stop()
	}
	s.scanOn = true
	s.cycleTimer = time.AfterFunc(dutyCycles[mode].On, s.cycleTick)
	s.mu.Unlock()

	logger.Debug(s.prefix, "scanner: cycled %s (traffic=%d peers=%d)", mode, traffic, peers)
	s.ctrl.StartScan(false)
}

// cycleTick toggles between the scan-on and scan-off halves of the duty
// cycle.
func (s *AdaptiveScanner) cycleTick() {
	s.mu.Lock()
	if !s.running || s.aggressive {
		s.mu.Unlock()
		return
	}

	duty := dutyCycles[s.mode]
	if s.scanOn {
		s.scanOn = false
		s.cycleTimer = time.AfterFunc(duty.Off, s.cycleTick)
		s.mu.Unlock()
		logger.Trace(s.prefix, "scanner: duty off for %s", duty.Off)
		s.ctrl.StopScan()
		return
	}

	s.scanOn = true
	s.cycleTimer = time.AfterFunc(duty.On, s.cycleTick)
	s.mu.Unlock()
	logger.Trace(s.prefix, "scanner: duty on for %s", duty.On)
	s.ctrl.StartScan(false)
}
