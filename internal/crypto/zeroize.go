package crypto

// Wipe overwrites b with zeros. Chain keys, message keys, DH scalars and
// shared secrets go through here whenever they are replaced or dropped so
// that stale key material does not linger on the heap.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func wipe32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}
