// Package protocol frames the two message kinds exchanged over a room
// connection: document sync and presence.
//
//	frame    = varuint(kind) payload
//	sync     = varuint(phase) varbytes(body)
//	presence = varbytes(batch)
package protocol

import (
	"errors"
	"fmt"

	"github.com/astromechza/canvas-sync/pkg/codec"
	"github.com/astromechza/canvas-sync/pkg/doc"
)

var (
	// ErrUnknownKind is returned for frames from a newer peer. Receivers ignore them.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformed is returned for a recognised kind with an undecodable payload.
	ErrMalformed = errors.New("malformed message")
)

type Kind uint64

const (
	KindSync     Kind = 0
	KindPresence Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindPresence:
		return "presence"
	}
	return fmt.Sprintf("kind(%d)", uint64(k))
}

type Phase uint64

const (
	// PhaseStateVector announces what the sender already has.
	PhaseStateVector Phase = 0
	// PhaseDiff answers a state vector with the writes the requester is missing.
	PhaseDiff Phase = 1
	// PhaseUpdate carries a freshly applied local delta.
	PhaseUpdate Phase = 2
)

func (p Phase) String() string {
	switch p {
	case PhaseStateVector:
		return "state-vector"
	case PhaseDiff:
		return "diff"
	case PhaseUpdate:
		return "update"
	}
	return fmt.Sprintf("phase(%d)", uint64(p))
}

// Message is a decoded frame. Body holds the sync body for KindSync and the
// presence batch for KindPresence.
type Message struct {
	Kind  Kind
	Phase Phase
	Body  []byte
}

func (m Message) String() string {
	if m.Kind == KindSync {
		return fmt.Sprintf("%s/%s(%d bytes)", m.Kind, m.Phase, len(m.Body))
	}
	return fmt.Sprintf("%s(%d bytes)", m.Kind, len(m.Body))
}

func (m Message) Encode() []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(m.Kind))
	if m.Kind == KindSync {
		enc.WriteVarUint(uint64(m.Phase))
	}
	enc.WriteVarBytes(m.Body)
	return enc.Bytes()
}

// Decode parses a frame. The kind is always reported when it could be read,
// even alongside ErrUnknownKind.
func Decode(frame []byte) (Message, error) {
	dec := codec.NewDecoder(frame)
	kind, err := dec.ReadVarUint()
	if err != nil {
		return Message{}, fmt.Errorf("%w: kind: %w", ErrMalformed, err)
	}
	m := Message{Kind: Kind(kind)}
	switch m.Kind {
	case KindSync:
		phase, err := dec.ReadVarUint()
		if err != nil {
			return m, fmt.Errorf("%w: phase: %w", ErrMalformed, err)
		}
		m.Phase = Phase(phase)
		if m.Phase > PhaseUpdate {
			return m, fmt.Errorf("%w: unknown sync phase %d", ErrMalformed, phase)
		}
	case KindPresence:
	default:
		return m, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if m.Body, err = dec.ReadVarBytes(); err != nil {
		return m, fmt.Errorf("%w: %s body: %w", ErrMalformed, m.Kind, err)
	}
	if dec.Remaining() != 0 {
		return m, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, dec.Remaining())
	}
	return m, nil
}

// StateVector frames a phase 0 sync message.
func StateVector(sv doc.StateVector) []byte {
	body, _ := sv.MarshalBinary()
	return Message{Kind: KindSync, Phase: PhaseStateVector, Body: body}.Encode()
}

// Diff frames a phase 1 sync message.
func Diff(d doc.Delta) ([]byte, error) {
	body, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Message{Kind: KindSync, Phase: PhaseDiff, Body: body}.Encode(), nil
}

// Update frames a phase 2 sync message.
func Update(d doc.Delta) ([]byte, error) {
	body, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Message{Kind: KindSync, Phase: PhaseUpdate, Body: body}.Encode(), nil
}

// Presence frames an encoded presence batch.
func Presence(batch []byte) []byte {
	return Message{Kind: KindPresence, Body: batch}.Encode()
}

// Reply handles one sync message against a replica: a state vector is
// answered with the matching diff frame, a diff or update is merged. The reply
// is nil when nothing needs to be sent back; effective is the part of a merged
// delta that changed the replica.
func Reply(d *doc.Document, m Message, origin doc.Origin) (reply []byte, effective doc.Delta, err error) {
	switch m.Phase {
	case PhaseStateVector:
		sv, err := doc.UnmarshalStateVector(m.Body)
		if err != nil {
			return nil, doc.Delta{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		reply, err := Diff(d.Diff(sv))
		return reply, doc.Delta{}, err
	case PhaseDiff, PhaseUpdate:
		effective, err := d.ApplyBinary(m.Body, origin)
		if err != nil {
			return nil, doc.Delta{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return nil, effective, nil
	}
	return nil, doc.Delta{}, fmt.Errorf("%w: unknown sync phase %d", ErrMalformed, m.Phase)
}
