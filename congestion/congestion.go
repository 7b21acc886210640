// Package congestion implements the adaptive in-flight budget controller:
// an AIMD state machine with slow-start, driven by samples of the
// transport's buffered_amount and smoothed RTT.
//
// Conceptually grounded on the same slow-start/AIMD shape KCP's own
// congestion window maintains internally, generalized here to the explicit
// transitions spec'd for this engine (this package does not call into
// kcp-go; it is a pure, independently testable state machine fed by
// whatever transport reports buffered_amount and RTT).
package congestion

import "time"

const (
	// Chunk size bounds, in bytes.
	MinChunkSize = 16 * 1024
	MaxChunkSize = 64 * 1024

	// Batch size bounds, in chunks.
	MinBatchSize = 8
	MaxBatchSize = 64

	initialCwnd  = 1 * 1024 * 1024
	floorCwnd    = 512 * 1024
	initialSSThresh = 8 * 1024 * 1024
	additiveIncrease = 128 * 1024

	lowUtilization  = 0.5
	highUtilization = 0.9
)

// Mode is the controller's current congestion-control phase.
type Mode int

const (
	SlowStart Mode = iota
	CongestionAvoidance
	Recovery
)

func (m Mode) String() string {
	switch m {
	case SlowStart:
		return "slow_start"
	case CongestionAvoidance:
		return "congestion_avoidance"
	case Recovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Controller maintains cwnd/ssthresh and derives chunk/batch sizing.
type Controller struct {
	mode    Mode
	cwnd    uint64
	ssthresh uint64
	ceiling uint64

	goodSamples int
	chunkSize   uint32

	transportHighWater uint64
}

// New returns a controller with the spec's initial values. transportHighWater
// is the transport's high-water mark, used to derive the cwnd ceiling
// (2x the high-water mark).
func New(transportHighWater uint64) *Controller {
	return &Controller{
		mode:               SlowStart,
		cwnd:               initialCwnd,
		ssthresh:           initialSSThresh,
		ceiling:            2 * transportHighWater,
		chunkSize:          MaxChunkSize,
		transportHighWater: transportHighWater,
	}
}

// Mode returns the controller's current phase.
func (c *Controller) Mode() Mode { return c.mode }

// Cwnd returns the current in-flight budget in bytes.
func (c *Controller) Cwnd() uint64 { return c.cwnd }

// SSThresh returns the current slow-start threshold in bytes.
func (c *Controller) SSThresh() uint64 { return c.ssthresh }

// CanSend reports whether more data may be handed to the transport given its
// currently buffered amount.
func (c *Controller) CanSend(currentBuffered uint64) bool {
	return currentBuffered < c.cwnd
}

// NextBatchSize returns the number of chunks to pull from the source
// pipeline on this iteration, derived from cwnd and the current chunk size,
// clamped to [MinBatchSize, MaxBatchSize].
func (c *Controller) NextBatchSize() uint32 {
	batch := c.cwnd / uint64(c.chunkSize)
	if batch < MinBatchSize {
		return MinBatchSize
	}
	if batch > MaxBatchSize {
		return MaxBatchSize
	}
	return uint32(batch)
}

// ChunkSize returns the currently selected chunk size, in bytes.
func (c *Controller) ChunkSize() uint32 { return c.chunkSize }

// SetRTT updates the chunk size selection from a freshly smoothed RTT
// sample: <50ms -> 64KiB, 50-150ms -> 32KiB, >150ms -> 16KiB.
func (c *Controller) SetRTT(rtt time.Duration) {
	switch {
	case rtt < 50*time.Millisecond:
		c.chunkSize = MaxChunkSize
	case rtt <= 150*time.Millisecond:
		c.chunkSize = 32 * 1024
	default:
		c.chunkSize = MinChunkSize
	}
}

// RecordDrain folds a (bufferedAmount, elapsed) sample into the state
// machine, running the mode transitions described in spec §4.6. bytesDrained
// and elapsed are accepted for API symmetry with the spec's
// record_drain(bytes_drained, elapsed) signature but drain rate itself does
// not currently gate any transition beyond utilization.
func (c *Controller) RecordDrain(currentBuffered uint64, bytesDrained uint64, elapsed time.Duration) {
	utilization := 0.0
	if c.transportHighWater > 0 {
		utilization = float64(currentBuffered) / float64(c.transportHighWater)
	}

	if utilization > highUtilization {
		c.ssthresh = max64(c.cwnd/2, 256*1024)
		c.cwnd = c.ssthresh
		c.mode = CongestionAvoidance
		c.goodSamples = 0
		c.clampCwnd()
		return
	}

	switch c.mode {
	case SlowStart:
		if utilization < lowUtilization {
			c.cwnd = min64(c.cwnd*2, c.ssthresh)
			c.clampCwnd()
			if c.cwnd >= c.ssthresh {
				c.mode = CongestionAvoidance
			}
		}
	case CongestionAvoidance, Recovery:
		if utilization < lowUtilization {
			c.goodSamples++
			if c.goodSamples >= 2 {
				c.cwnd += additiveIncrease
				c.clampCwnd()
				c.goodSamples = 0
			}
		} else {
			c.goodSamples = 0
		}
	}
}

func (c *Controller) clampCwnd() {
	if c.ceiling > 0 && c.cwnd > c.ceiling {
		c.cwnd = c.ceiling
	}
	if c.cwnd < floorCwnd {
		c.cwnd = floorCwnd
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
