package tincanphone

import (
	"encoding/binary"
	"fmt"
)

// Header identifies the kind of a wire frame.
type Header uint32

const (
	HeaderRing   Header = 4000
	HeaderBusy   Header = 4001
	HeaderAudio  Header = 4002
	HeaderHangup Header = 4003
)

func (h Header) String() string {
	switch h {
	case HeaderRing:
		return "RING"
	case HeaderBusy:
		return "BUSY"
	case HeaderAudio:
		return "AUDIO"
	case HeaderHangup:
		return "HANGUP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(h))
	}
}

const (
	headerSize = 4 // uint32
	seqSize    = 4 // uint32
	// encodedMaxBytes is the codec's maximum payload for one 20ms frame.
	encodedMaxBytes = 240
	// audioHeaderSize is header+seq; an AUDIO datagram must be longer than
	// this to carry a payload (a zero-length payload is ignored as "too small").
	audioHeaderSize = headerSize + seqSize
	maxPacketSize   = audioHeaderSize + encodedMaxBytes
)

// packet is a decoded inbound datagram. Only AUDIO packets carry Seq/Payload.
type packet struct {
	Header  Header
	Seq     uint32
	Payload []byte // shares backing storage with the caller's receive buffer
}

// encodeControl serializes a header-only control frame (RING/BUSY/HANGUP).
func encodeControl(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf, uint32(h))
	return buf
}

// encodeAudio serializes an AUDIO frame: header | seq | payload.
func encodeAudio(seq uint32, payload []byte) []byte {
	buf := make([]byte, audioHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderAudio))
	binary.BigEndian.PutUint32(buf[4:8], seq)
	copy(buf[8:], payload)
	return buf
}

// decodePacket parses a raw inbound datagram. Reports ok=false for datagrams
// that are silently ignored: shorter than the 4-byte header, an AUDIO
// datagram with an empty payload, an AUDIO datagram whose payload exceeds
// encodedMaxBytes, or any unrecognised header.
func decodePacket(raw []byte) (p packet, ok bool) {
	if len(raw) < headerSize {
		return packet{}, false
	}

	h := Header(binary.BigEndian.Uint32(raw[0:4]))

	switch h {
	case HeaderRing, HeaderBusy, HeaderHangup:
		return packet{Header: h}, true

	case HeaderAudio:
		if len(raw) <= audioHeaderSize {
			// Exactly 8 bytes (or less, though recvfrom would have paired
			// it with the header check above) means an empty payload.
			return packet{}, false
		}
		if len(raw) > maxPacketSize {
			return packet{}, false
		}
		seq := binary.BigEndian.Uint32(raw[4:8])
		return packet{Header: h, Seq: seq, Payload: raw[8:]}, true

	default:
		return packet{}, false
	}
}
