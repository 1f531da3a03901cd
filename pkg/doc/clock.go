package doc

import (
	"fmt"

	"github.com/google/uuid"
)

// ReplicaID identifies one copy of a document: a client session or the server.
type ReplicaID string

func NewReplicaID() ReplicaID {
	return ReplicaID(uuid.NewString())
}

// Clock orders writes. Counter is a Lamport counter owned by Replica; equal
// counters from different replicas are ordered by replica id.
type Clock struct {
	Counter uint64
	Replica ReplicaID
}

func (c Clock) IsZero() bool {
	return c.Counter == 0 && c.Replica == ""
}

// Less reports whether c was written before o in the total write order.
func (c Clock) Less(o Clock) bool {
	if c.Counter != o.Counter {
		return c.Counter < o.Counter
	}
	return c.Replica < o.Replica
}

func (c Clock) String() string {
	return fmt.Sprintf("%d@%s", c.Counter, c.Replica)
}

// Origin tags a mutation with where it came from so observers can tell a
// local edit from a remote delta being merged.
type Origin struct {
	Replica ReplicaID
	Remote  bool
}

func Local(r ReplicaID) Origin  { return Origin{Replica: r} }
func Remote(r ReplicaID) Origin { return Origin{Replica: r, Remote: true} }

func (o Origin) IsLocal() bool { return !o.Remote }
