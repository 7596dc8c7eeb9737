package wire

import (
	"github.com/google/uuid"
)

// Ref is a 128-bit random token identifying one in-flight call within a
// client. The same representation is used for waiter handles, the tokens a
// server echoes back so that a reply can be routed to the right caller.
type Ref [16]byte

// NewRef returns a fresh random Ref.
func NewRef() Ref {
	return Ref(uuid.New())
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return uuid.UUID(r).String()
}

// RefFromBytes converts a 16-byte slice into a Ref.
func RefFromBytes(b []byte) (Ref, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return Ref{}, err
	}
	return Ref(u), nil
}

// Bytes returns the raw wire form of the Ref.
func (r Ref) Bytes() []byte {
	return append([]byte(nil), r[:]...)
}
