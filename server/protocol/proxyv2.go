package protocol

import (
	"encoding/binary"
	"net/netip"
	"sort"
)

var proxyV2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// TLV types sent in PROXY v2 headers.
const (
	TLVTypeALPN      byte = 0x01
	TLVTypeAuthority byte = 0x02
	TLVTypeUniqueID  byte = 0x05
)

// ProxyV2Header builds a PROXY protocol v2 header announcing a TCP
// connection from client to server, followed by the given TLVs in type
// order. Mixed address families are announced as IPv6.
func ProxyV2Header(client, server netip.AddrPort, tlvs map[byte][]byte) []byte {
	header := make([]byte, 16, 16+36)
	copy(header[0:12], proxyV2Signature)
	header[12] = 0x21 // version 2, command PROXY

	var addressData []byte
	var family byte
	c, s := client.Addr().Unmap(), server.Addr().Unmap()
	if c.Is4() && s.Is4() {
		family = 0x1
		addressData = make([]byte, 12)
		c4, s4 := c.As4(), s.As4()
		copy(addressData[0:4], c4[:])
		copy(addressData[4:8], s4[:])
		binary.BigEndian.PutUint16(addressData[8:], client.Port())
		binary.BigEndian.PutUint16(addressData[10:], server.Port())
	} else {
		family = 0x2
		addressData = make([]byte, 36)
		c16, s16 := c.As16(), s.As16()
		copy(addressData[0:16], c16[:])
		copy(addressData[16:32], s16[:])
		binary.BigEndian.PutUint16(addressData[32:], client.Port())
		binary.BigEndian.PutUint16(addressData[34:], server.Port())
	}
	header[13] = family<<4 | 0x1 // TCP

	types := make([]int, 0, len(tlvs))
	for t := range tlvs {
		types = append(types, int(t))
	}
	sort.Ints(types)
	var tlvData []byte
	for _, t := range types {
		v := tlvs[byte(t)]
		tlvData = append(tlvData, byte(t), byte(len(v)>>8), byte(len(v)))
		tlvData = append(tlvData, v...)
	}

	binary.BigEndian.PutUint16(header[14:], uint16(len(addressData)+len(tlvData)))
	header = append(header, addressData...)
	return append(header, tlvData...)
}
