// Package xsum implements the 16-bit one's-complement checksum used by
// IPv4, ICMP, ICMPv6, TCP, and UDP, including the IP-family-specific
// pseudo-header sum that TCP and UDP fold into their checksum.
package xsum

import (
	"encoding/binary"
)

// Sum computes the 16-bit one's-complement checksum of b, folding in an
// initial accumulator (typically 0, or the output of a prior pseudo-header
// sum). It is the building block every higher-level checksum in this
// package is expressed in terms of.
func Sum(b []byte, initial uint16) uint16 {
	ac := uint64(initial)
	for len(b) >= 2 {
		ac += uint64(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		ac += uint64(b[0]) << 8
	}
	for ac>>16 > 0 {
		ac = (ac >> 16) + (ac & 0xffff)
	}
	return uint16(ac)
}

// Finish returns the one's complement of an already folded sum, ready to
// be stored in a checksum field.
func Finish(sum uint16) uint16 {
	return ^sum
}

// pseudoHeaderSumNoFold accumulates the pseudo-header described in
// RFC 793/768 (IPv4) and RFC 2460 (IPv6): source address, destination
// address, zero-padded protocol number, and payload length. It does not
// one's-complement the result, since the caller folds it into the L4
// segment's own checksum pass.
func pseudoHeaderSumNoFold(protocol uint8, srcAddr, dstAddr []byte, length uint16) uint16 {
	sum := Sum(srcAddr, 0)
	sum = Sum(dstAddr, sum)
	sum = Sum([]byte{0, protocol}, sum)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], length)
	return Sum(lenBuf[:], sum)
}

// IPv4HeaderChecksum computes the IPv4 header checksum over header, which
// must be exactly 20 bytes (no options) with the checksum field at
// offset 10..12 already zeroed.
func IPv4HeaderChecksum(header []byte) uint16 {
	return Finish(Sum(header, 0))
}

// TCPChecksumV4 computes the TCP checksum of segment over an IPv4
// pseudo-header, with the checksum field in segment expected to be zeroed
// by the caller before this is called.
func TCPChecksumV4(segment []byte, src, dst [4]byte, protocol uint8) uint16 {
	ph := pseudoHeaderSumNoFold(protocol, src[:], dst[:], uint16(len(segment)))
	return Finish(Sum(segment, ph))
}

// TCPChecksumV6 computes the TCP checksum of segment over an IPv6
// pseudo-header.
func TCPChecksumV6(segment []byte, src, dst [16]byte, protocol uint8) uint16 {
	ph := pseudoHeaderSumNoFold(protocol, src[:], dst[:], uint16(len(segment)))
	return Finish(Sum(segment, ph))
}

// UDPChecksumV4 computes the UDP checksum of segment over an IPv4
// pseudo-header.
func UDPChecksumV4(segment []byte, src, dst [4]byte, protocol uint8) uint16 {
	ph := pseudoHeaderSumNoFold(protocol, src[:], dst[:], uint16(len(segment)))
	return Finish(Sum(segment, ph))
}

// UDPChecksumV6 computes the UDP checksum of segment over an IPv6
// pseudo-header.
func UDPChecksumV6(segment []byte, src, dst [16]byte, protocol uint8) uint16 {
	ph := pseudoHeaderSumNoFold(protocol, src[:], dst[:], uint16(len(segment)))
	return Finish(Sum(segment, ph))
}

// ICMPv6Checksum computes the ICMPv6 checksum of segment over an IPv6
// pseudo-header. Unlike ICMPv4, ICMPv6 includes the pseudo-header per
// RFC 4443 section 2.3.
func ICMPv6Checksum(segment []byte, src, dst [16]byte) uint16 {
	const icmpv6Protocol = 58
	ph := pseudoHeaderSumNoFold(icmpv6Protocol, src[:], dst[:], uint16(len(segment)))
	return Finish(Sum(segment, ph))
}

// ICMPChecksum computes the ICMPv4 checksum of segment. ICMPv4, unlike
// ICMPv6, has no pseudo-header.
func ICMPChecksum(segment []byte) uint16 {
	return Finish(Sum(segment, 0))
}
