package doc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/astromechza/canvas-sync/pkg/canvas"
	"github.com/astromechza/canvas-sync/pkg/codec"
)

var ErrMalformedDelta = errors.New("malformed delta")

type OpKind uint8

const (
	OpSetShape OpKind = iota + 1
	OpDeleteShape
	OpSetLayers
)

func (k OpKind) String() string {
	switch k {
	case OpSetShape:
		return "set"
	case OpDeleteShape:
		return "delete"
	case OpSetLayers:
		return "layers"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Op is one register write. Key is the shape id for shape ops and empty for OpSetLayers.
type Op struct {
	Kind   OpKind
	Key    string
	Clock  Clock
	Shape  *canvas.Shape
	Layers []canvas.Layer
}

func (op Op) validate() error {
	if op.Clock.Counter == 0 || op.Clock.Replica == "" {
		return fmt.Errorf("%w: op %s %q has no clock", ErrMalformedDelta, op.Kind, op.Key)
	}
	switch op.Kind {
	case OpSetShape:
		if op.Shape == nil {
			return fmt.Errorf("%w: set %q without a shape", ErrMalformedDelta, op.Key)
		}
		if op.Shape.ID != op.Key {
			return fmt.Errorf("%w: set %q carries shape %q", ErrMalformedDelta, op.Key, op.Shape.ID)
		}
		if err := op.Shape.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedDelta, err)
		}
	case OpDeleteShape:
		if op.Key == "" {
			return fmt.Errorf("%w: delete without a key", ErrMalformedDelta)
		}
	case OpSetLayers:
		if op.Key != "" {
			return fmt.Errorf("%w: layer op with key %q", ErrMalformedDelta, op.Key)
		}
		for _, l := range op.Layers {
			if l.ID == "" {
				return fmt.Errorf("%w: layer without id", ErrMalformedDelta)
			}
		}
	default:
		return fmt.Errorf("%w: unknown op kind %d", ErrMalformedDelta, op.Kind)
	}
	return nil
}

// Delta is an ordered batch of ops. Applying the same deltas in any order, any
// number of times, converges to the same document.
type Delta struct {
	Ops []Op
}

func (d Delta) Empty() bool { return len(d.Ops) == 0 }

func (d Delta) MarshalBinary() ([]byte, error) {
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(d.Ops)))
	for _, op := range d.Ops {
		enc.WriteVarUint(uint64(op.Kind))
		enc.WriteString(op.Key)
		enc.WriteVarUint(op.Clock.Counter)
		enc.WriteString(string(op.Clock.Replica))
		switch op.Kind {
		case OpSetShape:
			raw, err := json.Marshal(op.Shape)
			if err != nil {
				return nil, fmt.Errorf("failed to encode shape %s: %w", op.Key, err)
			}
			enc.WriteVarBytes(raw)
		case OpSetLayers:
			layers := op.Layers
			if layers == nil {
				layers = []canvas.Layer{}
			}
			raw, err := json.Marshal(layers)
			if err != nil {
				return nil, fmt.Errorf("failed to encode layers: %w", err)
			}
			enc.WriteVarBytes(raw)
		}
	}
	return enc.Bytes(), nil
}

// UnmarshalDelta decodes and validates a delta. Any error wraps ErrMalformedDelta.
func UnmarshalDelta(b []byte) (Delta, error) {
	dec := codec.NewDecoder(b)
	n, err := dec.ReadVarUint()
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %w", ErrMalformedDelta, err)
	}
	if n > uint64(dec.Remaining()) {
		return Delta{}, fmt.Errorf("%w: %d ops in %d bytes", ErrMalformedDelta, n, dec.Remaining())
	}
	d := Delta{Ops: make([]Op, 0, n)}
	for i := uint64(0); i < n; i++ {
		op, err := readOp(dec)
		if err != nil {
			return Delta{}, fmt.Errorf("%w: op %d: %w", ErrMalformedDelta, i, err)
		}
		if err := op.validate(); err != nil {
			return Delta{}, err
		}
		d.Ops = append(d.Ops, op)
	}
	if dec.Remaining() != 0 {
		return Delta{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDelta, dec.Remaining())
	}
	return d, nil
}

func readOp(dec *codec.Decoder) (Op, error) {
	var op Op
	kind, err := dec.ReadVarUint()
	if err != nil {
		return op, err
	}
	op.Kind = OpKind(kind)
	if op.Key, err = dec.ReadString(); err != nil {
		return op, err
	}
	if op.Clock.Counter, err = dec.ReadVarUint(); err != nil {
		return op, err
	}
	replica, err := dec.ReadString()
	if err != nil {
		return op, err
	}
	op.Clock.Replica = ReplicaID(replica)
	switch op.Kind {
	case OpSetShape:
		raw, err := dec.ReadVarBytes()
		if err != nil {
			return op, err
		}
		var s canvas.Shape
		if err := json.Unmarshal(raw, &s); err != nil {
			return op, err
		}
		op.Shape = &s
	case OpSetLayers:
		raw, err := dec.ReadVarBytes()
		if err != nil {
			return op, err
		}
		if err := json.Unmarshal(raw, &op.Layers); err != nil {
			return op, err
		}
	case OpDeleteShape:
	default:
		return op, fmt.Errorf("unknown op kind %d", kind)
	}
	return op, nil
}

// StateVector records the highest counter seen from each replica.
type StateVector map[ReplicaID]uint64

func (sv StateVector) MarshalBinary() ([]byte, error) {
	replicas := make([]string, 0, len(sv))
	for r := range sv {
		replicas = append(replicas, string(r))
	}
	sort.Strings(replicas)
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(replicas)))
	for _, r := range replicas {
		enc.WriteString(r)
		enc.WriteVarUint(sv[ReplicaID(r)])
	}
	return enc.Bytes(), nil
}

func UnmarshalStateVector(b []byte) (StateVector, error) {
	dec := codec.NewDecoder(b)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %w", ErrMalformedDelta, err)
	}
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("%w: state vector claims %d entries", ErrMalformedDelta, n)
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		r, err := dec.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %w", ErrMalformedDelta, err)
		}
		c, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %w", ErrMalformedDelta, err)
		}
		sv[ReplicaID(r)] = c
	}
	return sv, nil
}
