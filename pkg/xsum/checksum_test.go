package xsum

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// sumRef is an independent reference implementation used to fuzz Sum
// against, mirroring the approach of WireGuard's tun/checksum_test.go.
func sumRef(b []byte, initial uint16) uint16 {
	ac := uint64(initial)
	for len(b) >= 2 {
		ac += uint64(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		ac += uint64(b[0]) << 8
	}
	for (ac >> 16) > 0 {
		ac = (ac >> 16) + (ac & 0xffff)
	}
	return uint16(ac)
}

func TestSumAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for length := 0; length <= 2048; length++ {
		buf := make([]byte, length)
		rng.Read(buf)
		assert.Equal(t, sumRef(buf, 0x1234), Sum(buf, 0x1234), "length %d", length)
	}
}

func buildTCPSegment(t *testing.T, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	seg := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	// Every header field other than the ports is left zero, data-offset
	// byte included, as in the S3 fixture the expected checksums come from.
	copy(seg[20:], payload)
	return seg
}

func buildUDPDatagram(t *testing.T, srcPort, dstPort, length uint16, payload []byte) []byte {
	t.Helper()
	seg := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], length)
	copy(seg[8:], payload)
	return seg
}

// S3: a TCP segment translated to a v6 pseudo-header must reproduce the
// checksum 0x4817 (spec.md S3 / the RFC6052 source's tcp.rs fixture).
func TestTCPChecksumV6_S3(t *testing.T) {
	seg := buildTCPSegment(t, 1234, 5678, []byte("Hello, world!"))
	src := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	dst := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	got := TCPChecksumV6(seg, src, dst, 6)
	assert.Equal(t, uint16(0x4817), got)
}

// S4: the UDP analog of S3, checksum 0x480b. The S4 fixture's UDP length
// field holds the payload length (13), not the datagram length.
func TestUDPChecksumV6_S4(t *testing.T) {
	payload := []byte("Hello, world!")
	seg := buildUDPDatagram(t, 1234, 5678, uint16(len(payload)), payload)
	src := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	dst := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	got := UDPChecksumV6(seg, src, dst, 17)
	assert.Equal(t, uint16(0x480b), got)
}

func TestTCPChecksumV4(t *testing.T) {
	seg := buildTCPSegment(t, 1234, 5678, []byte("Hello, world!"))
	src := [4]byte{192, 0, 2, 1}
	dst := [4]byte{192, 0, 2, 2}
	got := TCPChecksumV4(seg, src, dst, 6)
	assert.Equal(t, uint16(0x1f88), got)
}

func TestUDPChecksumV4(t *testing.T) {
	payload := []byte("Hello, world!")
	seg := buildUDPDatagram(t, 1234, 5678, uint16(len(payload)), payload)
	src := [4]byte{192, 0, 2, 1}
	dst := [4]byte{192, 0, 2, 2}
	got := UDPChecksumV4(seg, src, dst, 17)
	assert.Equal(t, uint16(0x1f7c), got)
}

func TestIPv4HeaderChecksum(t *testing.T) {
	// A minimal 20-byte IPv4 header with a known-good checksum (from a
	// standard RFC 791 example), verified by zeroing the checksum field
	// and recomputing it.
	header := []byte{
		0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00, 0x40, 0x06,
		0xb1, 0xe6, 0xac, 0x10, 0x0a, 0x63, 0xac, 0x10, 0x0a, 0x0c,
	}
	want := binary.BigEndian.Uint16(header[10:12])
	header[10] = 0
	header[11] = 0
	got := IPv4HeaderChecksum(header)
	assert.Equal(t, want, got)
}
