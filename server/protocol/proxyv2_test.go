package protocol

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyV2HeaderIPv4(t *testing.T) {
	client := netip.MustParseAddrPort("192.168.1.100:12345")
	server := netip.MustParseAddrPort("10.0.0.1:143")

	h := ProxyV2Header(client, server, nil)
	require.Len(t, h, 16+12)
	assert.True(t, bytes.Equal(proxyV2Signature, h[:12]))
	assert.Equal(t, byte(0x21), h[12], "version 2, PROXY command")
	assert.Equal(t, byte(0x11), h[13], "TCP over IPv4")
	assert.Equal(t, uint16(12), binary.BigEndian.Uint16(h[14:16]))
	assert.Equal(t, []byte{192, 168, 1, 100}, h[16:20])
	assert.Equal(t, []byte{10, 0, 0, 1}, h[20:24])
	assert.Equal(t, uint16(12345), binary.BigEndian.Uint16(h[24:26]))
	assert.Equal(t, uint16(143), binary.BigEndian.Uint16(h[26:28]))
}

func TestProxyV2HeaderIPv6AndMixed(t *testing.T) {
	client := netip.MustParseAddrPort("[2001:db8::1]:40000")
	server := netip.MustParseAddrPort("192.0.2.1:443")

	h := ProxyV2Header(client, server, nil)
	require.Len(t, h, 16+36)
	assert.Equal(t, byte(0x21), h[13], "TCP over IPv6")
	assert.Equal(t, uint16(36), binary.BigEndian.Uint16(h[14:16]))
	assert.Equal(t, client.Addr().As16(), [16]byte(h[16:32]))
	assert.Equal(t, server.Addr().As16(), [16]byte(h[32:48]), "IPv4 server as mapped IPv6")
	assert.Equal(t, uint16(40000), binary.BigEndian.Uint16(h[48:50]))
	assert.Equal(t, uint16(443), binary.BigEndian.Uint16(h[50:52]))
}

func TestProxyV2HeaderTLVs(t *testing.T) {
	client := netip.MustParseAddrPort("192.0.2.7:1000")
	server := netip.MustParseAddrPort("192.0.2.8:2000")

	h := ProxyV2Header(client, server, map[byte][]byte{
		TLVTypeUniqueID:  []byte("abc"),
		TLVTypeAuthority: []byte("db.example.com"),
	})
	tlvs := h[16+12:]
	assert.Equal(t, uint16(12+len(tlvs)), binary.BigEndian.Uint16(h[14:16]))

	// sorted by type: authority (0x02) before unique id (0x05)
	require.Equal(t, TLVTypeAuthority, tlvs[0])
	n := int(binary.BigEndian.Uint16(tlvs[1:3]))
	assert.Equal(t, "db.example.com", string(tlvs[3:3+n]))
	rest := tlvs[3+n:]
	require.Equal(t, TLVTypeUniqueID, rest[0])
	assert.Equal(t, []byte{0, 3, 'a', 'b', 'c'}, rest[1:])
}
