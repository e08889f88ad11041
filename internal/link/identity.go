package link

import (
	"crypto/rand"
	"errors"
	"io"
	"net"
)

// HardwareAddr returns the hardware address of the first non-loopback
// interface that is up and has a 6-byte MAC.
func HardwareAddr() (Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Addr{}, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) != len(Addr{}) {
			continue
		}
		var a Addr
		copy(a[:], iface.HardwareAddr)
		if a.IsZero() {
			continue
		}
		return a, nil
	}
	return Addr{}, errors.New("no usable hardware address")
}

// RandomAddr returns a unicast, locally administered address.
func RandomAddr(r io.Reader) (Addr, error) {
	if r == nil {
		r = rand.Reader
	}
	var a Addr
	if _, err := io.ReadFull(r, a[:]); err != nil {
		return Addr{}, err
	}
	a[0] = (a[0] &^ 0x01) | 0x02
	return a, nil
}
