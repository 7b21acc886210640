// Package receiver drives the receiver-side pipeline: it classifies inbound
// transport messages as control envelopes or binary frames, opens and
// integrity-checks frame payloads, feeds them through the reorder buffer,
// and forwards ordered chunks to the sink pipeline, reporting throttled
// progress along the way.
package receiver

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dropwarp/warpcore/clock"
	"github.com/dropwarp/warpcore/control"
	"github.com/dropwarp/warpcore/cryptosession"
	"github.com/dropwarp/warpcore/frame"
	"github.com/dropwarp/warpcore/reorder"
	"github.com/dropwarp/warpcore/sink"
	"github.com/dropwarp/warpcore/transport"
)

// ErrIntegrity is returned (via the engine's fatal error path) when a
// plaintext frame's CRC32 tag does not match its payload.
var ErrIntegrity = errors.New("receiver: integrity check failed")

// ProgressThrottle is the minimum interval between progress reports, per
// spec §4.8's "throttled progress reports at >= 100ms intervals".
const ProgressThrottle = 100 * time.Millisecond

// emaAlpha weights the most recent instantaneous sample into the moving
// average speed estimate.
const emaAlpha = 0.2

// Progress is one throttled progress sample.
type Progress struct {
	BytesReceived    int64
	InstantaneousBps float64
	MovingAverageBps float64
}

// Engine is the receiver-side event loop for one logical stream. Unlike
// sender.Engine, the driving loop is the transport channel's inbound callback
// itself (the channel bindings already run their own delivery goroutine);
// Run simply blocks until the sink pipeline finalizes, a fatal error
// occurs, or ctx is cancelled.
type Engine struct {
	ch      transport.Channel
	session *cryptosession.Session
	reorder *reorder.Buffer
	sink    *sink.Pipeline
	clk     clock.Clock

	onControl  func(control.Envelope)
	onProgress func(Progress)

	mu                sync.Mutex
	lastReportAt      time.Time
	lastReportedBytes int64
	emaBps            float64

	done chan struct{}
	err  error
	once sync.Once
}

// New returns a receiver engine wired to ch. It registers ch's inbound
// message callback immediately; callers must not also read from ch.
func New(ch transport.Channel, session *cryptosession.Session, reorderBuf *reorder.Buffer, sinkPipeline *sink.Pipeline, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real
	}
	e := &Engine{
		ch:      ch,
		session: session,
		reorder: reorderBuf,
		sink:    sinkPipeline,
		clk:     clk,
		done:    make(chan struct{}),
	}
	sinkPipeline.OnComplete(func(actualSize int64) {
		log.Printf("receiver: transfer complete, %d bytes written", actualSize)
		e.finish(nil)
	})
	ch.SetOnMessage(e.handleMessage)
	ch.SetOnClose(func(reason error) {
		if reason != nil {
			e.finish(errors.Wrap(reason, "receiver: channel closed"))
		}
	})
	reorderBuf.Start()
	return e
}

// OnControl registers the callback invoked for every decoded control
// envelope (MANIFEST, TRANSFER_READY, and so on). The caller — typically
// the fan-out coordinator or the demo CLI — owns the control protocol
// itself; this engine only classifies and decodes.
func (e *Engine) OnControl(fn func(control.Envelope)) { e.onControl = fn }

// OnProgress registers the throttled progress callback.
func (e *Engine) OnProgress(fn func(Progress)) { e.onProgress = fn }

// Run blocks until the sink pipeline finalizes, a fatal protocol error
// occurs, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		e.mu.Lock()
		err := e.err
		e.mu.Unlock()
		return err
	}
}

func (e *Engine) finish(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.reorder.Stop()
		close(e.done)
	})
}

func (e *Engine) handleMessage(msg transport.Message) {
	payload := msg.Binary
	if payload == nil {
		payload = []byte(msg.Text)
	}

	if control.LooksLikeJSON(payload) {
		env, err := control.Decode(payload)
		if err == nil {
			if e.onControl != nil {
				e.onControl(env)
			}
			return
		}
		// Falls through to binary framing per spec §4.8: a leading '{' or
		// '[' is only a hint, not a guarantee.
	}

	if err := e.handleFrame(payload); err != nil {
		log.Printf("receiver: fatal: %v", err)
		e.finish(err)
		_ = e.ch.Close()
	}
}

func (e *Engine) handleFrame(buf []byte) error {
	h, wire, err := frame.Decode(buf, e.session.Enabled())
	if err != nil {
		return errors.Wrap(err, "receiver: decode frame")
	}

	if h.IsEOS() {
		return errors.Wrap(e.sink.EndOfStream(), "receiver: end of stream")
	}

	aad := frame.HeaderBytes(h)
	plaintext, err := e.session.Open(h.Sequence, aad[:], wire)
	if err != nil {
		return errors.Wrap(err, "receiver: open frame")
	}

	if !e.session.Enabled() {
		if frame.ChecksumPlaintext(plaintext) != h.IntegrityTag {
			return ErrIntegrity
		}
	}

	released, err := e.reorder.Push(h.Offset, plaintext)
	if err != nil {
		return errors.Wrap(err, "receiver: reorder buffer")
	}

	for _, c := range released {
		if err := e.sink.Accept(h.FileIndex, int64(c.Offset), c.Payload); err != nil {
			return errors.Wrap(err, "receiver: sink accept")
		}
	}

	e.reportProgress()
	return nil
}

func (e *Engine) reportProgress() {
	if e.onProgress == nil {
		return
	}

	now := e.clk.Now()
	total := e.sink.BytesWritten()

	e.mu.Lock()
	if !e.lastReportAt.IsZero() && now.Sub(e.lastReportAt) < ProgressThrottle {
		e.mu.Unlock()
		return
	}
	elapsed := now.Sub(e.lastReportAt).Seconds()
	delta := total - e.lastReportedBytes
	var instantaneous float64
	if elapsed > 0 {
		instantaneous = float64(delta) / elapsed
	}
	if e.emaBps == 0 {
		e.emaBps = instantaneous
	} else {
		e.emaBps = emaAlpha*instantaneous + (1-emaAlpha)*e.emaBps
	}
	e.lastReportAt = now
	e.lastReportedBytes = total
	report := Progress{BytesReceived: total, InstantaneousBps: instantaneous, MovingAverageBps: e.emaBps}
	e.mu.Unlock()

	e.onProgress(report)
}
