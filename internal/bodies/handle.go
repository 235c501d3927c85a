package bodies

import "fmt"

// Handle references a body slot. The zero Handle is never valid; a handle
// whose generation no longer matches its slot is stale.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether the handle was issued by a registry. It does not
// check liveness.
func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string {
	if !h.Valid() {
		return "body(nil)"
	}
	return fmt.Sprintf("body(%d@%d)", h.index, h.gen)
}
