package iptranslate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nat64d/nat64d/pkg/xsum"
)

var (
	v6Src = [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	v6Dst = [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	v4Src = [4]byte{192, 0, 2, 1}
	v4Dst = [4]byte{192, 0, 2, 2}
)

func buildIPv4(protocol byte, ttl byte, payload []byte) []byte {
	packet := make([]byte, v4HeaderLen+len(payload))
	packet[0] = 0x45
	packet[8] = ttl
	packet[9] = protocol
	copy(packet[12:16], []byte{10, 0, 0, 1})
	copy(packet[16:20], []byte{10, 0, 0, 2})
	copy(packet[v4HeaderLen:], payload)
	return packet
}

func buildIPv6(nextHeader byte, hopLimit byte, payload []byte) []byte {
	packet := make([]byte, v6HeaderLen+len(payload))
	packet[0] = 0x60
	packet[4] = byte(len(payload) >> 8)
	packet[5] = byte(len(payload))
	packet[6] = nextHeader
	packet[7] = hopLimit
	copy(packet[8:24], []byte{0x20, 1, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	copy(packet[24:40], []byte{0x20, 1, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2})
	copy(packet[v6HeaderLen:], payload)
	return packet
}

func buildTCPSegment(payload []byte) []byte {
	seg := make([]byte, 20+len(payload))
	seg[0], seg[1] = 0x04, 0xd2 // port 1234
	seg[2], seg[3] = 0x16, 0x2e // port 5678
	// Every other header field, data-offset byte included, stays zero as
	// in the S3 fixture.
	copy(seg[20:], payload)
	return seg
}

func buildUDPDatagram(payload []byte) []byte {
	seg := make([]byte, 8+len(payload))
	seg[0], seg[1] = 0x04, 0xd2
	seg[2], seg[3] = 0x16, 0x2e
	// As in the S4 fixture, the length field holds the payload length only.
	length := uint16(len(payload))
	seg[4], seg[5] = byte(length>>8), byte(length)
	copy(seg[8:], payload)
	return seg
}

// S3: the TCP checksum fixture wrapped in a full IPv4 packet.
func TestTranslateV4ToV6_TCP_S3(t *testing.T) {
	tcp := buildTCPSegment([]byte("Hello, world!"))
	packet := buildIPv4(6, 64, tcp)

	out, err := TranslateV4ToV6(packet, v6Src, v6Dst, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0x60), out[0]&0xf0)
	assert.Equal(t, byte(6), out[6])
	assert.Equal(t, byte(64), out[7])
	assert.Equal(t, v6Src[:], out[8:24])
	assert.Equal(t, v6Dst[:], out[24:40])

	got := uint16(out[56])<<8 | uint16(out[57])
	assert.Equal(t, uint16(0x4817), got)
}

// S4: the UDP checksum fixture wrapped in a full IPv4 packet.
func TestTranslateV4ToV6_UDP_S4(t *testing.T) {
	udp := buildUDPDatagram([]byte("Hello, world!"))
	packet := buildIPv4(17, 64, udp)

	out, err := TranslateV4ToV6(packet, v6Src, v6Dst, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(17), out[6])

	got := uint16(out[46])<<8 | uint16(out[47])
	assert.Equal(t, uint16(0x480b), got)
}

func TestTranslateV6ToV4_TCP(t *testing.T) {
	tcp := buildTCPSegment([]byte("Hello, world!"))
	packet := buildIPv6(6, 64, tcp)

	out, err := TranslateV6ToV4(packet, v4Src, v4Dst, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0x45), out[0])
	assert.Equal(t, byte(6), out[9])
	assert.Equal(t, v4Src[:], out[12:16])
	assert.Equal(t, v4Dst[:], out[16:20])

	headerSum := xsum.IPv4HeaderChecksum(append([]byte(nil), out[:v4HeaderLen]...))
	assert.Equal(t, uint16(0), headerSum)
}

func TestTranslateV4ToV6_ICMP(t *testing.T) {
	echo := make([]byte, 8+4)
	echo[0] = 8 // echo request
	packet := buildIPv4(protoICMP, 64, echo)

	out, err := TranslateV4ToV6(packet, v6Src, v6Dst, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(protoICMPv6), out[6])
	assert.Equal(t, byte(128), out[40])
}

func TestTranslateV4ToV6_PassthroughUnknownProtocol(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	packet := buildIPv4(47, 64, payload) // GRE, unrecognised

	var warned bool
	out, err := TranslateV4ToV6(packet, v6Src, v6Dst, func(string, ...any) { warned = true })
	require.NoError(t, err)
	assert.True(t, warned)
	assert.Equal(t, byte(47), out[6])
	assert.Equal(t, payload, out[40:])
}

func TestTranslateV4ToV6_TooShort(t *testing.T) {
	_, err := TranslateV4ToV6([]byte{0x45, 0, 0}, v6Src, v6Dst, nil)
	require.Error(t, err)
	var tooShort *PacketTooShort
	require.ErrorAs(t, err, &tooShort)
}

func TestTranslateV6ToV4_TooShort(t *testing.T) {
	_, err := TranslateV6ToV4([]byte{0x60, 0, 0}, v4Src, v4Dst, nil)
	require.Error(t, err)
	var tooShort *PacketTooShort
	require.ErrorAs(t, err, &tooShort)
}
