// Package netaddr holds the fixed-size address representation shared by the
// payload codec and the neighbor routing key, kept tiny and dependency-free
// so neither of those packages has to import the other.
package netaddr

// Size is the byte length of an addrbytes field (room for a v4-mapped v6
// address).
const Size = 16

// Addr is a fixed-size peer address.
type Addr [Size]byte

// FromIP packs a net.IP (4 or 16 bytes) into an Addr, v4-mapping short
// addresses the same way the wire format expects.
func FromIP(ip []byte) (a Addr) {
	if len(ip) == Size {
		copy(a[:], ip)
		return a
	}
	// v4-mapped v6: ::ffff:a.b.c.d
	a[10] = 0xff
	a[11] = 0xff
	copy(a[12:], ip)
	return a
}
