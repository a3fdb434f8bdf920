package roomcode

import (
	"fmt"
	"net"
)

// RangeClass identifies which RFC 1918 private range an address falls in.
type RangeClass int

const (
	ClassC192 RangeClass = iota // 192.168.0.0/16
	ClassB172                   // 172.16.0.0/12
	ClassA10                    // 10.0.0.0/8
)

func (c RangeClass) String() string {
	switch c {
	case ClassC192:
		return "192.168/16"
	case ClassB172:
		return "172.16/12"
	case ClassA10:
		return "10/8"
	default:
		return "unknown"
	}
}

const (
	// PortMin and PortMax bound the supported ephemeral port range.
	PortMin = 49152
	PortMax = 65535
)

// Address is a private IPv4 address and ephemeral port pair. It is
// immutable once constructed; build one with NewAddress.
type Address struct {
	Octets [4]byte
	Port   uint16
	Range  RangeClass
}

// NewAddress validates ip and port and classifies the private range.
// It returns ErrInvalidAddress for public, malformed or non-IPv4
// addresses and for ports outside [PortMin, PortMax].
func NewAddress(ip net.IP, port uint16) (Address, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, fmt.Errorf("%w: %s is not IPv4", ErrInvalidAddress, ip)
	}
	if port < PortMin {
		return Address{}, fmt.Errorf("%w: port %d outside [%d, %d]", ErrInvalidAddress, port, PortMin, PortMax)
	}

	var octets [4]byte
	copy(octets[:], v4)

	class, ok := classify(octets)
	if !ok {
		return Address{}, fmt.Errorf("%w: %s is not in a supported private range", ErrInvalidAddress, v4)
	}
	return Address{Octets: octets, Port: port, Range: class}, nil
}

// IP returns the address as a net.IP.
func (a Address) IP() net.IP {
	return net.IPv4(a.Octets[0], a.Octets[1], a.Octets[2], a.Octets[3])
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.Octets[0], a.Octets[1], a.Octets[2], a.Octets[3], a.Port)
}

func classify(octets [4]byte) (RangeClass, bool) {
	switch {
	case octets[0] == 192 && octets[1] == 168:
		return ClassC192, true
	case octets[0] == 172 && octets[1] >= 16 && octets[1] <= 31:
		return ClassB172, true
	case octets[0] == 10:
		return ClassA10, true
	default:
		return 0, false
	}
}
