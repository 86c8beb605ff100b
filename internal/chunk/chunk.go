// Package chunk implements the datagram wire format used between the
// frame sender and the relay. Every datagram carries an 8-byte header
// followed by one slice of the frame being transmitted:
//
//	offset 0..4  total size of the complete frame (big-endian uint32)
//	offset 4..8  0-based chunk index (big-endian uint32)
//	offset 8..   chunk payload, at most MaxPayload bytes
//
// Index 0 always marks the start of a new frame.
package chunk

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed wire header length: TotalSize(4) + Index(4).
const HeaderSize = 8

// DefaultMaxPayload is the default ceiling for a single chunk's payload.
// It must match the sender's chunking configuration.
const DefaultMaxPayload = 60000

// ErrMalformedHeader is returned when a datagram is shorter than the
// fixed header.
var ErrMalformedHeader = errors.New("chunk: datagram shorter than header")

// Header describes one received chunk.
type Header struct {
	TotalSize uint32 // byte length of the complete frame
	Index     uint32 // 0-based position among the frame's chunks
}

// Decode splits a datagram into its header and payload. The returned
// payload aliases the input buffer; callers that retain it across reads
// must copy.
func Decode(datagram []byte) (Header, []byte, error) {
	if len(datagram) < HeaderSize {
		return Header{}, nil, ErrMalformedHeader
	}
	hdr := Header{
		TotalSize: binary.BigEndian.Uint32(datagram[0:4]),
		Index:     binary.BigEndian.Uint32(datagram[4:8]),
	}
	return hdr, datagram[HeaderSize:], nil
}

// AppendHeader appends the wire header for (totalSize, index) to dst and
// returns the extended slice.
func AppendHeader(dst []byte, totalSize, index uint32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, totalSize)
	dst = binary.BigEndian.AppendUint32(dst, index)
	return dst
}

// NumChunks returns the number of chunks a frame of totalSize bytes
// occupies when split into maxPayload-sized slices. A zero-length frame
// still occupies one (empty) chunk so that index 0 is always sent.
// Computed in uint64 so sizes past 2 GiB survive 32-bit int.
func NumChunks(totalSize uint32, maxPayload int) int {
	if totalSize == 0 {
		return 1
	}
	n := uint64(totalSize) / uint64(maxPayload)
	if uint64(totalSize)%uint64(maxPayload) != 0 {
		n++
	}
	return int(n)
}

// Split chunks a frame payload into ready-to-send datagrams, each
// prefixed with its wire header. Used by the sender side and by tests.
func Split(payload []byte, maxPayload int) [][]byte {
	total := uint32(len(payload))
	n := NumChunks(total, maxPayload)
	datagrams := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		lo := i * maxPayload
		hi := lo + maxPayload
		if hi > len(payload) {
			hi = len(payload)
		}
		dg := make([]byte, 0, HeaderSize+hi-lo)
		dg = AppendHeader(dg, total, uint32(i))
		dg = append(dg, payload[lo:hi]...)
		datagrams = append(datagrams, dg)
	}
	return datagrams
}
