package faster

// Address is a position in the infinite append-only log. The low bits
// encode an offset within a page, the high bits a page number. Only the
// low 48 bits are meaningful: the same width is packed into record
// headers and hash bucket entries.
type Address uint64

const (
	AddressBits = 48

	AddressMask Address = (1 << AddressBits) - 1

	// InvalidAddress terminates a per-key version chain.
	InvalidAddress Address = 0

	// FirstValidAddress keeps log offset zero unused so that an all-zero
	// bucket entry always means "empty slot".
	FirstValidAddress Address = 64
)
