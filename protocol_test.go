package tincanphone

import (
	"bytes"
	"testing"
)

func TestEncodeControlRoundTrip(t *testing.T) {
	for _, h := range []Header{HeaderRing, HeaderBusy, HeaderHangup} {
		raw := encodeControl(h)
		pkt, ok := decodePacket(raw)
		if !ok {
			t.Fatalf("decodePacket(%v) not ok", h)
		}
		if pkt.Header != h {
			t.Fatalf("decoded header = %v, want %v", pkt.Header, h)
		}
	}
}

func TestEncodeAudioRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	raw := encodeAudio(42, payload)

	pkt, ok := decodePacket(raw)
	if !ok {
		t.Fatal("decodePacket() not ok")
	}
	if pkt.Header != HeaderAudio {
		t.Fatalf("header = %v, want HeaderAudio", pkt.Header)
	}
	if pkt.Seq != 42 {
		t.Fatalf("seq = %d, want 42", pkt.Seq)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Fatalf("payload = %v, want %v", pkt.Payload, payload)
	}
}

func TestDecodePacketTooShort(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3} {
		if _, ok := decodePacket(make([]byte, n)); ok {
			t.Fatalf("decodePacket(%d bytes) should be ignored", n)
		}
	}
}

func TestDecodePacketEmptyAudioPayloadIgnored(t *testing.T) {
	raw := encodeAudio(1, nil)
	if _, ok := decodePacket(raw); ok {
		t.Fatal("empty-payload AUDIO datagram should be ignored")
	}
}

func TestDecodePacketOversizedAudioDiscarded(t *testing.T) {
	raw := encodeAudio(1, make([]byte, encodedMaxBytes+1))
	if _, ok := decodePacket(raw); ok {
		t.Fatal("oversized AUDIO datagram should be discarded")
	}
}

func TestDecodePacketUnknownHeaderIgnored(t *testing.T) {
	raw := encodeControl(Header(9999))
	if _, ok := decodePacket(raw); ok {
		t.Fatal("unrecognised header should be ignored")
	}
}
