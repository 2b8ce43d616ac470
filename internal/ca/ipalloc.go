package ca

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrIPConflict = errors.New("mesh ip allocation conflict")

// HubIP returns the reserved first host address of the mesh block; the
// hub always owns it.
func HubIP(meshCIDR string) (string, error) {
	first, _, err := hostRange(meshCIDR)
	if err != nil {
		return "", err
	}
	return uintToIP(first).String(), nil
}

// AllocateNextIP returns the lowest unused host address in the block.
// The hub address comes first, every later device gets the next free
// one in ascending order; an exhausted block is an allocation conflict.
func AllocateNextIP(meshCIDR string, existing []string) (string, error) {
	first, last, err := hostRange(meshCIDR)
	if err != nil {
		return "", err
	}
	taken := make(map[uint32]struct{}, len(existing))
	for _, raw := range existing {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil || ip.To4() == nil {
			return "", fmt.Errorf("%w: existing allocation %q is not a valid ipv4 address", ErrIPConflict, raw)
		}
		taken[ipToUint(ip)] = struct{}{}
	}
	for candidate := first; candidate <= last; candidate++ {
		if _, used := taken[candidate]; !used {
			return uintToIP(candidate).String(), nil
		}
	}
	return "", fmt.Errorf("%w: address block %s exhausted", ErrIPConflict, meshCIDR)
}

func hostRange(meshCIDR string) (first, last uint32, err error) {
	_, block, err := net.ParseCIDR(strings.TrimSpace(meshCIDR))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid mesh cidr %q: %v", meshCIDR, err)
	}
	if block.IP.To4() == nil {
		return 0, 0, fmt.Errorf("mesh cidr %q must be ipv4", meshCIDR)
	}
	network := ipToUint(block.IP)
	ones, bits := block.Mask.Size()
	size := uint32(1) << (bits - ones)
	if size < 4 {
		return 0, 0, fmt.Errorf("mesh cidr %q too small", meshCIDR)
	}
	// Skip the network and broadcast addresses.
	return network + 1, network + size - 2, nil
}

func ipToUint(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uintToIP(v uint32) net.IP {
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}
