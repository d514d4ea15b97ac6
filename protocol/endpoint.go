package protocol

import "net/netip"

// Endpoint identifies a peer by IPv4 address and UDP port. netip.AddrPort is
// a comparable value type, so endpoints key maps on the binary (address,
// port) tuple directly.
type Endpoint = netip.AddrPort

// putEndpoint writes an endpoint as 4 address bytes (network order) followed
// by a little-endian u16 port.
func putEndpoint(w *Writer, ep Endpoint) {
	a4 := ep.Addr().As4()
	w.Raw(a4[:])
	w.U16(ep.Port())
}

// getEndpoint reads the wire form written by putEndpoint.
func getEndpoint(r *Reader) Endpoint {
	var a4 [4]byte
	copy(a4[:], r.Raw(4))
	port := r.U16()
	return netip.AddrPortFrom(netip.AddrFrom4(a4), port)
}
