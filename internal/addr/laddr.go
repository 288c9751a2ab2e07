package addr

import (
	"fmt"
	"math"
)

// Laddr is an opaque 64-bit logical address. The cleaner never interprets
// it beyond the distinguished values.
type Laddr uint64

const (
	NullLaddr Laddr = math.MaxUint64
	RootLaddr Laddr = math.MaxUint64 - 1
)

// IsNull reports whether the address is the null logical address.
func (l Laddr) IsNull() bool {
	return l == NullLaddr
}

func (l Laddr) String() string {
	switch l {
	case NullLaddr:
		return "laddr(null)"
	case RootLaddr:
		return "laddr(root)"
	default:
		return fmt.Sprintf("laddr(0x%x)", uint64(l))
	}
}
