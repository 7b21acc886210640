package control

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MessageType enumerates the control envelope's "type" tag values.
type MessageType string

const (
	TypeManifest                 MessageType = "MANIFEST"
	TypeTransferReady             MessageType = "TRANSFER_READY"
	TypeTransferStarted           MessageType = "TRANSFER_STARTED"
	TypeTransferStartedWithoutYou MessageType = "TRANSFER_STARTED_WITHOUT_YOU"
	TypeQueued                    MessageType = "QUEUED"
	TypeReadyForDownload          MessageType = "READY_FOR_DOWNLOAD"
	TypeDownloadComplete          MessageType = "DOWNLOAD_COMPLETE"
)

// Envelope is the top-level tagged control message, exchanged as UTF-8 JSON
// text over the same transport channel as binary frames (see receiver.Engine
// for how receivers disambiguate the two).
type Envelope struct {
	Type     MessageType `json:"type"`
	Manifest *Manifest   `json:"manifest,omitempty"`
	Message  string      `json:"message,omitempty"`
	Position int         `json:"position,omitempty"`
}

// ErrUnknownType is returned by Decode for a type tag this version doesn't
// recognize.
var ErrUnknownType = errors.New("control: unknown envelope type")

// Encode marshals an envelope to JSON bytes.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "control: encode envelope")
	}
	return b, nil
}

// Decode parses JSON bytes into an envelope.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "control: decode envelope")
	}
	return e, nil
}

// NewManifestEnvelope builds a MANIFEST envelope.
func NewManifestEnvelope(m Manifest) Envelope {
	mc := m
	return Envelope{Type: TypeManifest, Manifest: &mc}
}

// NewTransferReadyEnvelope builds a TRANSFER_READY envelope.
func NewTransferReadyEnvelope() Envelope {
	return Envelope{Type: TypeTransferReady}
}

// NewTransferStartedEnvelope builds a TRANSFER_STARTED envelope.
func NewTransferStartedEnvelope() Envelope {
	return Envelope{Type: TypeTransferStarted}
}

// NewTransferStartedWithoutYouEnvelope builds a
// TRANSFER_STARTED_WITHOUT_YOU envelope with a human-readable explanation.
func NewTransferStartedWithoutYouEnvelope(message string) Envelope {
	return Envelope{Type: TypeTransferStartedWithoutYou, Message: message}
}

// NewQueuedEnvelope builds a QUEUED envelope carrying the peer's position in
// the follower queue.
func NewQueuedEnvelope(position int) Envelope {
	return Envelope{Type: TypeQueued, Position: position}
}

// NewReadyForDownloadEnvelope builds a READY_FOR_DOWNLOAD envelope.
func NewReadyForDownloadEnvelope() Envelope {
	return Envelope{Type: TypeReadyForDownload}
}

// NewDownloadCompleteEnvelope builds a DOWNLOAD_COMPLETE envelope.
func NewDownloadCompleteEnvelope() Envelope {
	return Envelope{Type: TypeDownloadComplete}
}

// LooksLikeJSON reports whether b begins with a byte that could start a JSON
// text value ('{' or '['), the heuristic the receiver boundary uses before
// attempting a full JSON parse — see Design Note in spec §9 on inbound
// message classification.
func LooksLikeJSON(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return b[0] == '{' || b[0] == '['
}
