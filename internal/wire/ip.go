package wire

import (
	"encoding/binary"
	"net"
)

// IPv4ToUint32 packs an IPv4 address into the uint32 wire representation
// used by EnvRecord.HostIP (matching the original lab's env_hostip field).
// Non-IPv4 addresses (e.g. IPv6 loopback) pack as 0.
func IPv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Uint32ToIPv4 unpacks the wire IPv4 representation back to a net.IP.
func Uint32ToIPv4(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// HostOf extracts the IP portion of a dial/listen address such as
// "127.0.0.1:7" for packing into an EnvRecord's HostIP.
func HostOf(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}
