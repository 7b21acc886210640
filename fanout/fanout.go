// Package fanout implements the one-to-many send coordinator: it owns the
// set of attached peer transports, batches ready receivers, and broadcasts
// one sealed frame stream to every peer in the current batch under
// max-of-peers backpressure.
package fanout

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dropwarp/warpcore/clock"
	"github.com/dropwarp/warpcore/congestion"
	"github.com/dropwarp/warpcore/control"
	"github.com/dropwarp/warpcore/cryptosession"
	"github.com/dropwarp/warpcore/sender"
	"github.com/dropwarp/warpcore/signaling"
	"github.com/dropwarp/warpcore/source"
	"github.com/dropwarp/warpcore/transport"
)

// MaxDirectPeers is the hard cap on simultaneously attached receivers.
const MaxDirectPeers = 3

// ReadinessWait is how long the coordinator waits, after the first peer
// announces readiness, before starting a batch with whoever is ready.
const ReadinessWait = 10 * time.Second

// ConnectTimeout is how long a newly attached peer has to reach the
// connected state before being detached.
const ConnectTimeout = 30 * time.Second

// DefaultTransportCeiling seeds each batch's congestion controller the same
// way the transport bindings seed their own buffered-amount ceiling.
const DefaultTransportCeiling = 8 * 1024 * 1024

// DetachCause explains why a peer left the arena.
type DetachCause string

const (
	CauseTimeout    DetachCause = "timeout"
	CauseSendFailed DetachCause = "send-failed"
	CauseUserLeft   DetachCause = "user-left"
	CauseClosed     DetachCause = "closed"
	CauseCancelled  DetachCause = "cancelled"
)

// ErrSlotLimit is returned by Attach once MaxDirectPeers are already
// attached.
var ErrSlotLimit = errors.New("fanout: peer slot limit reached")

// ErrNoPeers is the sender.Sink error returned when a broadcast would reach
// zero peers because every batch member has just failed to send.
var ErrNoPeers = errors.New("fanout: no peers left in current batch")

// Events are optional host-facing notifications. All fields are optional.
type Events struct {
	SlotLimit            func(id signaling.PeerID)
	Detached             func(id signaling.PeerID, cause DetachCause)
	BatchStarted         func(peers []signaling.PeerID)
	AllTransfersComplete func()
}

// SourceFactory builds a fresh source pipeline with a cursor reset to the
// beginning, used each time a batch (re)starts.
type SourceFactory func() *source.Pipeline

// PeerSnapshot is one peer's state as reported by State.
type PeerSnapshot struct {
	ID        signaling.PeerID
	Connected bool
	Ready     bool
	BytesSent int64
	Completed bool
}

// SwarmState is a point-in-time snapshot of the fan-out arena.
type SwarmState struct {
	Peers        []PeerSnapshot
	CurrentBatch []signaling.PeerID
	Queue        []signaling.PeerID
	Completed    []signaling.PeerID
}

type peerRecord struct {
	id        signaling.PeerID
	ch        transport.Channel
	connected bool
	ready     bool
	completed bool
	bytesSent int64
	epoch     int
}

var _ sender.Sink = (*Coordinator)(nil)

// Coordinator is the fan-out send coordinator for one transfer session.
type Coordinator struct {
	clk       clock.Clock
	roomID    string
	manifest  control.Manifest
	newSource SourceFactory
	session   *cryptosession.Session
	events    Events

	mu           sync.Mutex
	peers        map[signaling.PeerID]*peerRecord
	order        []signaling.PeerID
	currentBatch map[signaling.PeerID]struct{}
	queue        []signaling.PeerID
	completed    map[signaling.PeerID]struct{}

	readinessArmed bool
	readinessEpoch int

	onDrainLow func()
	engine     *sender.Engine
}

// New returns a coordinator for one session. session is reset (fresh nonce
// prefix) at the start of every batch, since the same sealed frame stream
// is broadcast to every peer in a batch.
func New(clk clock.Clock, roomID string, manifest control.Manifest, newSource SourceFactory, session *cryptosession.Session, events Events) *Coordinator {
	if clk == nil {
		clk = clock.Real
	}
	return &Coordinator{
		clk:          clk,
		roomID:       roomID,
		manifest:     manifest,
		newSource:    newSource,
		session:      session,
		events:       events,
		peers:        make(map[signaling.PeerID]*peerRecord),
		currentBatch: make(map[signaling.PeerID]struct{}),
		completed:    make(map[signaling.PeerID]struct{}),
	}
}

// Attach registers a new peer's transport channel. It fails with
// ErrSlotLimit once MaxDirectPeers peers are already attached, without
// touching ch. Otherwise it arms the connect-timeout deadline and wires
// ch's callbacks.
func (c *Coordinator) Attach(id signaling.PeerID, ch transport.Channel) error {
	c.mu.Lock()
	if len(c.peers) >= MaxDirectPeers {
		c.mu.Unlock()
		if c.events.SlotLimit != nil {
			c.events.SlotLimit(id)
		}
		return ErrSlotLimit
	}
	rec := &peerRecord{id: id, ch: ch}
	c.peers[id] = rec
	c.order = append(c.order, id)
	epoch := rec.epoch
	c.mu.Unlock()

	ch.SetOnMessage(func(msg transport.Message) { c.handleInbound(id, msg) })
	ch.SetOnDrainLow(func() { c.notifyDrainLow() })
	ch.SetOnClose(func(reason error) {
		if reason != nil {
			c.detach(id, CauseClosed)
		}
	})

	go c.armConnectTimeout(id, epoch)
	return nil
}

func (c *Coordinator) armConnectTimeout(id signaling.PeerID, epoch int) {
	<-c.clk.After(ConnectTimeout)
	c.mu.Lock()
	rec, ok := c.peers[id]
	if !ok || rec.epoch != epoch || rec.connected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.detach(id, CauseTimeout)
}

// Connected marks a previously attached peer as having reached the
// connected transport state, cancelling its connect-timeout deadline.
func (c *Coordinator) Connected(id signaling.PeerID) {
	c.mu.Lock()
	rec, ok := c.peers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.connected = true
	c.mu.Unlock()
}

// UserLeft detaches a peer in response to a signaling user-left event.
func (c *Coordinator) UserLeft(id signaling.PeerID) {
	c.detach(id, CauseUserLeft)
}

func (c *Coordinator) handleInbound(id signaling.PeerID, msg transport.Message) {
	payload := msg.Binary
	if payload == nil {
		payload = []byte(msg.Text)
	}
	if !control.LooksLikeJSON(payload) {
		return
	}
	env, err := control.Decode(payload)
	if err != nil {
		return
	}
	switch env.Type {
	case control.TypeTransferReady:
		c.markReady(id)
	case control.TypeDownloadComplete:
		c.markCompleted(id)
	}
}

func (c *Coordinator) markReady(id signaling.PeerID) {
	c.mu.Lock()
	rec, ok := c.peers[id]
	if !ok || rec.completed {
		c.mu.Unlock()
		return
	}
	rec.ready = true

	if _, inBatch := c.currentBatch[id]; inBatch {
		c.mu.Unlock()
		return
	}
	if len(c.currentBatch) > 0 {
		// A batch is already running; this peer joins the queue, per
		// spec's "while a batch is active" rule.
		c.queue = append(c.queue, id)
		position := len(c.queue)
		c.mu.Unlock()
		c.sendToPeer(id, control.NewQueuedEnvelope(position))
		return
	}

	connectedNonCompleted, readyNonCompleted := c.snapshotReadinessLocked()
	switch {
	case len(connectedNonCompleted) == 1 && len(readyNonCompleted) == 1:
		ids := readyNonCompleted
		c.mu.Unlock()
		c.startBatch(ids)
	case len(connectedNonCompleted) > 0 && len(readyNonCompleted) == len(connectedNonCompleted):
		ids := readyNonCompleted
		c.mu.Unlock()
		c.startBatch(ids)
	default:
		if !c.readinessArmed {
			c.readinessArmed = true
			epoch := c.readinessEpoch
			c.mu.Unlock()
			go c.armReadinessTimer(epoch)
			return
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) armReadinessTimer(epoch int) {
	<-c.clk.After(ReadinessWait)
	c.mu.Lock()
	if epoch != c.readinessEpoch || len(c.currentBatch) > 0 {
		c.mu.Unlock()
		return
	}
	c.readinessArmed = false
	_, readyNonCompleted := c.snapshotReadinessLocked()
	c.mu.Unlock()
	if len(readyNonCompleted) > 0 {
		c.startBatch(readyNonCompleted)
	}
}

// snapshotReadinessLocked must be called with mu held.
func (c *Coordinator) snapshotReadinessLocked() (connectedNonCompleted, readyNonCompleted []signaling.PeerID) {
	for _, id := range c.order {
		rec := c.peers[id]
		if rec.completed {
			continue
		}
		if rec.connected {
			connectedNonCompleted = append(connectedNonCompleted, id)
			if rec.ready {
				readyNonCompleted = append(readyNonCompleted, id)
			}
		}
	}
	return connectedNonCompleted, readyNonCompleted
}

// startBatch snapshots the given peers as current_batch, re-sends the
// manifest to each, notifies connected-but-unready peers they're being
// skipped, resets sender-side progress state, and starts a fresh sender
// engine over them.
func (c *Coordinator) startBatch(ids []signaling.PeerID) {
	c.mu.Lock()
	c.currentBatch = make(map[signaling.PeerID]struct{}, len(ids))
	batchSet := make(map[signaling.PeerID]bool, len(ids))
	for _, id := range ids {
		c.currentBatch[id] = struct{}{}
		batchSet[id] = true
		if rec, ok := c.peers[id]; ok {
			rec.bytesSent = 0
		}
	}
	c.readinessEpoch++
	c.readinessArmed = false

	var skipped []signaling.PeerID
	for _, id := range c.order {
		rec := c.peers[id]
		if !rec.connected || rec.completed || batchSet[id] {
			continue
		}
		skipped = append(skipped, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.sendToPeer(id, control.NewManifestEnvelope(c.manifest))
		c.sendToPeer(id, control.NewTransferStartedEnvelope())
	}
	for _, id := range skipped {
		c.sendToPeer(id, control.NewTransferStartedWithoutYouEnvelope("a batch already started without you; you will be queued for the next one"))
	}

	if err := c.session.Reset(); err != nil {
		log.Printf("fanout: session reset: %v", err)
	}
	ctrl := congestion.New(DefaultTransportCeiling)
	eng := sender.New(c.newSource(), c.session, c, ctrl, 0)
	eng.OnComplete(func() { c.onBatchSent(ids) })

	c.mu.Lock()
	c.engine = eng
	c.mu.Unlock()

	if c.events.BatchStarted != nil {
		c.events.BatchStarted(ids)
	}

	go func() {
		if err := eng.Run(context.Background()); err != nil {
			log.Printf("fanout: batch sender exited: %v", err)
		}
	}()
}

// onBatchSent runs once the sender engine has emitted EOS to the whole
// batch's transport(s). Actual completion is still gated on every peer's
// DOWNLOAD_COMPLETE acknowledgement via markCompleted.
func (c *Coordinator) onBatchSent(ids []signaling.PeerID) {
	log.Printf("fanout: batch of %d peer(s) fully sent, awaiting completion acks", len(ids))
}

func (c *Coordinator) markCompleted(id signaling.PeerID) {
	c.mu.Lock()
	rec, ok := c.peers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.completed = true
	delete(c.currentBatch, id)
	c.completed[id] = struct{}{}
	batchEmpty := len(c.currentBatch) == 0
	c.mu.Unlock()

	if batchEmpty {
		c.onBatchDrained()
	}
}

// onBatchDrained runs whenever current_batch empties, whether by normal
// completion or by every remaining member failing to send. It promotes any
// queued peers, restarts immediately for a lone ready straggler, prompts
// unready stragglers, or declares the session idle.
func (c *Coordinator) onBatchDrained() {
	c.mu.Lock()
	if len(c.queue) > 0 {
		promoted := c.queue
		c.queue = nil
		c.mu.Unlock()
		c.startBatch(promoted)
		return
	}

	connectedNonCompleted, readyNonCompleted := c.snapshotReadinessLocked()
	if len(readyNonCompleted) > 0 {
		c.mu.Unlock()
		c.startBatch(readyNonCompleted)
		return
	}
	if len(connectedNonCompleted) > 0 {
		c.mu.Unlock()
		for _, id := range connectedNonCompleted {
			c.sendToPeer(id, control.NewReadyForDownloadEnvelope())
		}
		return
	}
	c.mu.Unlock()
	if c.events.AllTransfersComplete != nil {
		c.events.AllTransfersComplete()
	}
}

func (c *Coordinator) detach(id signaling.PeerID, cause DetachCause) {
	c.mu.Lock()
	rec, ok := c.peers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.epoch++
	delete(c.peers, id)
	for i, pid := range c.order {
		if pid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	_, wasInBatch := c.currentBatch[id]
	delete(c.currentBatch, id)
	for i, pid := range c.queue {
		if pid == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	batchNowEmpty := wasInBatch && len(c.currentBatch) == 0
	c.mu.Unlock()

	_ = rec.ch.Close()
	if c.events.Detached != nil {
		c.events.Detached(id, cause)
	}
	if batchNowEmpty {
		c.onBatchDrained()
	}
}

func (c *Coordinator) sendToPeer(id signaling.PeerID, env control.Envelope) {
	c.mu.Lock()
	rec, ok := c.peers[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	b, err := control.Encode(env)
	if err != nil {
		log.Printf("fanout: encode control envelope for %s: %v", id, err)
		return
	}
	if err := rec.ch.Send(b); err != nil {
		log.Printf("fanout: send control envelope to %s: %v", id, err)
	}
}

// BroadcastControl sends env to every currently attached peer, regardless
// of batch membership — the host-facing operation from spec §4.9.
func (c *Coordinator) BroadcastControl(env control.Envelope) error {
	c.mu.Lock()
	ids := append([]signaling.PeerID(nil), c.order...)
	c.mu.Unlock()
	for _, id := range ids {
		c.sendToPeer(id, env)
	}
	return nil
}

// State returns a point-in-time snapshot of the fan-out arena.
func (c *Coordinator) State() SwarmState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := SwarmState{}
	for _, id := range c.order {
		rec := c.peers[id]
		st.Peers = append(st.Peers, PeerSnapshot{
			ID: id, Connected: rec.connected, Ready: rec.ready,
			BytesSent: rec.bytesSent, Completed: rec.completed,
		})
	}
	for id := range c.currentBatch {
		st.CurrentBatch = append(st.CurrentBatch, id)
	}
	st.Queue = append(st.Queue, c.queue...)
	for id := range c.completed {
		st.Completed = append(st.Completed, id)
	}
	return st
}

// Cleanup cancels all peer timers, closes every attached peer's channel,
// and clears the arena. Per spec §7's Cancelled error kind: no further
// events fire afterward.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	records := make([]*peerRecord, 0, len(c.peers))
	for _, rec := range c.peers {
		records = append(records, rec)
	}
	c.peers = make(map[signaling.PeerID]*peerRecord)
	c.order = nil
	c.currentBatch = make(map[signaling.PeerID]struct{})
	c.queue = nil
	c.events = Events{}
	c.mu.Unlock()

	for _, rec := range records {
		_ = rec.ch.Close()
	}
}

// Send implements sender.Sink: it broadcasts p to every peer in the
// current batch, detaching any peer whose send fails and letting the rest
// continue.
func (c *Coordinator) Send(p []byte) error {
	c.mu.Lock()
	ids := make([]signaling.PeerID, 0, len(c.currentBatch))
	for id := range c.currentBatch {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var failed []signaling.PeerID
	for _, id := range ids {
		c.mu.Lock()
		rec, ok := c.peers[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := rec.ch.Send(p); err != nil {
			failed = append(failed, id)
			continue
		}
		c.mu.Lock()
		rec.bytesSent += int64(len(p))
		c.mu.Unlock()
	}

	for _, id := range failed {
		c.detach(id, CauseSendFailed)
	}

	c.mu.Lock()
	remaining := len(c.currentBatch)
	c.mu.Unlock()
	if remaining == 0 && len(ids) > 0 {
		return ErrNoPeers
	}
	return nil
}

// BufferedAmount implements sender.Sink: the slowest peer in the batch
// gates the whole batch, per spec §4.9's backpressure note.
func (c *Coordinator) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var max uint64
	for id := range c.currentBatch {
		rec, ok := c.peers[id]
		if !ok {
			continue
		}
		if amt := rec.ch.BufferedAmount(); amt > max {
			max = amt
		}
	}
	return max
}

// RTT implements sender.RTTSource: the slowest (highest-RTT) peer in the
// batch sizes chunks for everyone, the same worst-case-gates rule
// BufferedAmount applies for backpressure. Peers whose channel doesn't
// report an RTT are skipped rather than treated as 0.
func (c *Coordinator) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var max time.Duration
	for id := range c.currentBatch {
		rec, ok := c.peers[id]
		if !ok {
			continue
		}
		rs, ok := rec.ch.(sender.RTTSource)
		if !ok {
			continue
		}
		if rtt := rs.RTT(); rtt > max {
			max = rtt
		}
	}
	return max
}

// SetOnDrainLow implements sender.Sink.
func (c *Coordinator) SetOnDrainLow(fn func()) {
	c.mu.Lock()
	c.onDrainLow = fn
	c.mu.Unlock()
}

func (c *Coordinator) notifyDrainLow() {
	c.mu.Lock()
	fn := c.onDrainLow
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
