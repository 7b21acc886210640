package congestion

import "testing"

func TestInitialState(t *testing.T) {
	c := New(8 * 1024 * 1024)
	if c.Mode() != SlowStart {
		t.Fatalf("expected slow_start initially, got %v", c.Mode())
	}
	if c.Cwnd() != initialCwnd {
		t.Fatalf("expected initial cwnd %d, got %d", initialCwnd, c.Cwnd())
	}
	if c.SSThresh() != initialSSThresh {
		t.Fatalf("expected initial ssthresh %d, got %d", initialSSThresh, c.SSThresh())
	}
}

func TestSlowStartDoublesUntilSSThresh(t *testing.T) {
	c := New(8 * 1024 * 1024)
	for i := 0; i < 10 && c.Mode() == SlowStart; i++ {
		c.RecordDrain(0, 0, 0)
	}
	if c.Mode() != CongestionAvoidance {
		t.Fatalf("expected transition to congestion_avoidance, got %v", c.Mode())
	}
	if c.Cwnd() < c.SSThresh() {
		t.Fatalf("cwnd should be >= ssthresh after transition: cwnd=%d ssthresh=%d", c.Cwnd(), c.SSThresh())
	}
}

func TestCongestionAvoidanceAdditiveIncreaseEveryTwoGoodSamples(t *testing.T) {
	c := New(8 * 1024 * 1024)
	c.mode = CongestionAvoidance
	c.cwnd = c.ssthresh

	before := c.Cwnd()
	c.RecordDrain(0, 0, 0) // sample 1, no increase yet
	if c.Cwnd() != before {
		t.Fatalf("expected no increase after 1 good sample, got cwnd=%d", c.Cwnd())
	}
	c.RecordDrain(0, 0, 0) // sample 2, now increases
	if c.Cwnd() != before+additiveIncrease {
		t.Fatalf("expected cwnd %d after 2 good samples, got %d", before+additiveIncrease, c.Cwnd())
	}
}

func TestHighUtilizationTriggersMultiplicativeDecrease(t *testing.T) {
	highWater := uint64(1024 * 1024)
	c := New(highWater)
	c.cwnd = 4 * 1024 * 1024
	prevCwnd := c.cwnd

	// utilization = currentBuffered/highWater > 0.9
	c.RecordDrain(uint64(float64(highWater)*0.95), 0, 0)

	if c.Mode() != CongestionAvoidance {
		t.Fatalf("expected congestion_avoidance after decrease, got %v", c.Mode())
	}
	wantSSThresh := prevCwnd / 2
	if wantSSThresh < 256*1024 {
		wantSSThresh = 256 * 1024
	}
	if c.SSThresh() != wantSSThresh {
		t.Fatalf("expected ssthresh %d, got %d", wantSSThresh, c.SSThresh())
	}
	if c.Cwnd() != c.SSThresh() {
		t.Fatalf("expected cwnd == ssthresh after decrease, got cwnd=%d ssthresh=%d", c.Cwnd(), c.SSThresh())
	}
}

func TestCwndNeverBelowFloor(t *testing.T) {
	c := New(1024)
	c.cwnd = floorCwnd
	c.RecordDrain(2000, 0, 0) // utilization > 0.9 -> halve
	if c.Cwnd() < floorCwnd {
		t.Fatalf("cwnd must never drop below floor, got %d", c.Cwnd())
	}
}

func TestCwndNeverAboveCeiling(t *testing.T) {
	c := New(1024 * 1024) // ceiling = 2MiB
	for i := 0; i < 30; i++ {
		c.RecordDrain(0, 0, 0)
	}
	if c.Cwnd() > 2*1024*1024 {
		t.Fatalf("cwnd must never exceed ceiling, got %d", c.Cwnd())
	}
}

func TestBatchSizeClamped(t *testing.T) {
	c := New(8 * 1024 * 1024)
	c.cwnd = floorCwnd // 512KiB / 64KiB chunk = 8
	c.chunkSize = MaxChunkSize
	if got := c.NextBatchSize(); got != MinBatchSize {
		t.Fatalf("expected min batch size %d, got %d", MinBatchSize, got)
	}

	c.cwnd = 100 * 1024 * 1024
	if got := c.NextBatchSize(); got != MaxBatchSize {
		t.Fatalf("expected max batch size %d, got %d", MaxBatchSize, got)
	}
}

func TestChunkSizeFromRTT(t *testing.T) {
	c := New(8 * 1024 * 1024)

	c.SetRTT(10 * 1e6) // 10ms as time.Duration nanoseconds via literal below
	// the literals below are raw nanosecond counts
	c.SetRTT(49_000_000) // ~49ms
	if c.ChunkSize() != MaxChunkSize {
		t.Fatalf("expected max chunk size for low RTT, got %d", c.ChunkSize())
	}

	c.SetRTT(100_000_000) // 100ms
	if c.ChunkSize() != 32*1024 {
		t.Fatalf("expected 32KiB chunk size for mid RTT, got %d", c.ChunkSize())
	}

	c.SetRTT(200_000_000) // 200ms
	if c.ChunkSize() != MinChunkSize {
		t.Fatalf("expected min chunk size for high RTT, got %d", c.ChunkSize())
	}
}

func TestCanSend(t *testing.T) {
	c := New(8 * 1024 * 1024)
	if !c.CanSend(0) {
		t.Fatalf("expected CanSend(0) true")
	}
	if c.CanSend(c.Cwnd()) {
		t.Fatalf("expected CanSend(cwnd) false")
	}
}
