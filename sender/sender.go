// Package sender drives the sender-side pipeline: it pulls chunks from a
// source pipeline, seals and frames them, and hands them to a transport
// channel under the congestion controller's budget, emitting the
// end-of-stream frame once the source is exhausted and the channel has
// drained.
package sender

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/dropwarp/warpcore/congestion"
	"github.com/dropwarp/warpcore/cryptosession"
	"github.com/dropwarp/warpcore/frame"
	"github.com/dropwarp/warpcore/source"
)

// Sink is the thing sealed frames are handed to — ordinarily a
// transport.Channel, but the fan-out coordinator can implement the same
// three-method shape itself to broadcast one produced frame stream to every
// peer in a batch.
type Sink interface {
	Send(p []byte) error
	BufferedAmount() uint64
	SetOnDrainLow(func())
}

// RTTSource is an optional capability a Sink may implement to report its
// current smoothed round-trip time. Sinks with no meaningful RTT (the
// in-process looptransport pair) simply don't implement it, and chunk
// sizing stays at its last setting.
type RTTSource interface {
	RTT() time.Duration
}

// Engine is the sender-side event loop for one logical stream.
type Engine struct {
	src     *source.Pipeline
	session *cryptosession.Session
	sink    Sink
	ctrl    *congestion.Controller

	fileIndex uint16
	sequence  uint32

	drain      chan struct{}
	onComplete func()
}

// New returns a sender engine for one logical stream. fileIndex is 0 for
// both single-stream and archive-stream transfers, per spec §3.
func New(src *source.Pipeline, session *cryptosession.Session, sink Sink, ctrl *congestion.Controller, fileIndex uint16) *Engine {
	e := &Engine{src: src, session: session, sink: sink, ctrl: ctrl, fileIndex: fileIndex, drain: make(chan struct{}, 1)}
	sink.SetOnDrainLow(func() {
		select {
		case e.drain <- struct{}{}:
		default:
		}
	})
	return e
}

// OnComplete registers a callback invoked once the EOS frame has been sent.
func (e *Engine) OnComplete(fn func()) { e.onComplete = fn }

// Sequence reports the number of data frames sent so far (the next sequence
// number to be assigned).
func (e *Engine) Sequence() uint32 { return e.sequence }

// Run drives the engine loop until the source is exhausted and the sink has
// fully drained, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if e.src.Done() {
			if e.sink.BufferedAmount() == 0 {
				if err := e.emitEOS(); err != nil {
					return err
				}
				if e.onComplete != nil {
					e.onComplete()
				}
				return nil
			}
			if err := e.waitForDrain(ctx); err != nil {
				return err
			}
			continue
		}

		if !e.ctrl.CanSend(e.sink.BufferedAmount()) {
			if err := e.waitForDrain(ctx); err != nil {
				return err
			}
			continue
		}

		if err := e.sendBatch(); err != nil {
			return err
		}
	}
}

func (e *Engine) waitForDrain(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.drain:
		return nil
	}
}

func (e *Engine) sendBatch() error {
	if rs, ok := e.sink.(RTTSource); ok {
		e.ctrl.SetRTT(rs.RTT())
	}

	batch := e.ctrl.NextBatchSize()
	chunkSize := e.ctrl.ChunkSize()

	var drained uint64
	for i := uint32(0); i < batch && !e.src.Done(); i++ {
		payload, err := e.src.NextChunk(chunkSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "sender: read chunk")
		}
		offset := e.src.Offset() - uint64(len(payload))
		if err := e.sendChunk(offset, payload); err != nil {
			return err
		}
		drained += uint64(len(payload))
	}

	e.ctrl.RecordDrain(e.sink.BufferedAmount(), drained, 0)
	return nil
}

func (e *Engine) sendChunk(offset uint64, plaintext []byte) error {
	seq := e.sequence
	e.sequence++

	var integrityTag uint32
	if !e.session.Enabled() {
		integrityTag = frame.ChecksumPlaintext(plaintext)
	}

	header := frame.Header{
		FileIndex:    e.fileIndex,
		Sequence:     seq,
		Offset:       offset,
		DataLength:   uint32(len(plaintext)),
		IntegrityTag: integrityTag,
	}
	aad := frame.HeaderBytes(header)

	wirePayload := e.session.Seal(seq, aad[:], plaintext)
	wire := frame.Encode(e.fileIndex, seq, offset, uint32(len(plaintext)), integrityTag, wirePayload)

	if err := e.sink.Send(wire); err != nil {
		return errors.Wrap(err, "sender: send frame")
	}
	return nil
}

func (e *Engine) emitEOS() error {
	if err := e.sink.Send(frame.EncodeEOS()); err != nil {
		return errors.Wrap(err, "sender: send EOS")
	}
	log.Printf("sender: end of stream, %d frames sent", e.sequence)
	return nil
}
