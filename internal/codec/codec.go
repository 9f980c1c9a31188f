// Package codec wraps the Opus encoder/decoder pair the call engine uses
// while live, narrowed to two operations: encode one PCM frame, decode one
// frame (or conceal a missing one).
package codec

import (
	"errors"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// FrameSamples is the number of samples in one 20ms frame at 48kHz.
const FrameSamples = 960

// MaxEncodedBytes bounds a single encoded frame.
const MaxEncodedBytes = 240

// ErrInvalidPacket is returned by Decode when the payload is corrupt. The
// caller (engine) retries once with a nil payload to get concealment.
var ErrInvalidPacket = errors.New("codec: corrupt packet")

// Encoder produces Opus frames from 16-bit PCM.
type Encoder struct {
	enc *opus.Encoder
}

// NewEncoder creates an encoder configured for voice at 48kHz mono.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder create: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode compresses one FrameSamples-length PCM frame. The returned slice
// aliases a caller-provided scratch buffer of at least MaxEncodedBytes.
func (e *Encoder) Encode(pcm []int16, scratch []byte) ([]byte, error) {
	n, err := e.enc.Encode(pcm, scratch)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return scratch[:n], nil
}

// Decoder expands Opus frames to 16-bit PCM, with packet-loss concealment.
type Decoder struct {
	dec *opus.Decoder
}

// NewDecoder creates a decoder for 48kHz mono audio.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(48000, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder create: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode fills pcm (length FrameSamples) from data. Passing nil or empty
// data requests packet-loss concealment. A malformed payload returns
// ErrInvalidPacket, which the caller retries with nil; any other decode
// error (corrupt decoder state, allocation failure, bad argument) is
// reported as-is and is fatal to the call.
func (d *Decoder) Decode(data []byte, pcm []int16) error {
	if len(data) == 0 {
		if err := d.dec.DecodePLC(pcm); err != nil {
			return fmt.Errorf("opus decode (concealment): %w", err)
		}
		return nil
	}
	_, err := d.dec.Decode(data, pcm)
	if err != nil {
		var operr opus.Error
		if errors.As(err, &operr) && operr == opus.ErrInvalidPacket {
			return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
		}
		return fmt.Errorf("opus decode: %w", err)
	}
	return nil
}
