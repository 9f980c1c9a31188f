// Package audiodev wraps PortAudio as a duplex 16-bit PCM audio device:
// open/close, blocking write of one frame, non-blocking query of available
// capture samples, blocking read of exactly one frame. A single duplex
// stream covers both capture and playback so only one PortAudio callback
// buffer pair needs to stay in sync with the 20ms tick.
package audiodev

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// FrameSamples is one 20ms frame at 48kHz mono.
const FrameSamples = 960

const sampleRate = 48000

// Stream is a duplex (or output-only) PortAudio stream of int16 PCM.
type Stream struct {
	pa  *portaudio.Stream
	in  []int16
	out []int16

	hasInput bool
}

// Open starts a PortAudio stream with the given channel configuration.
// output must be true (every call state that opens audio plays something);
// input is true only once a call goes live.
func Open(input, output bool) (*Stream, error) {
	if !input && !output {
		return nil, fmt.Errorf("audiodev: at least one of input/output required")
	}

	s := &Stream{hasInput: input}

	inChannels := 0
	if input {
		inChannels = 1
		s.in = make([]int16, FrameSamples)
	}
	outChannels := 0
	if output {
		outChannels = 1
		s.out = make([]int16, FrameSamples)
	}

	var pa *portaudio.Stream
	var err error
	switch {
	case input && output:
		pa, err = portaudio.OpenDefaultStream(inChannels, outChannels, float64(sampleRate), FrameSamples, s.in, s.out)
	case output:
		pa, err = portaudio.OpenDefaultStream(0, outChannels, float64(sampleRate), FrameSamples, s.out)
	default:
		pa, err = portaudio.OpenDefaultStream(inChannels, 0, float64(sampleRate), FrameSamples, s.in)
	}
	if err != nil {
		return nil, fmt.Errorf("Pa_OpenDefaultStream: %w", err)
	}

	if err := pa.Start(); err != nil {
		pa.Close()
		return nil, fmt.Errorf("Pa_StartStream: %w", err)
	}

	s.pa = pa
	return s, nil
}

// InputDeviceName reports the name of the default input device, or ""
// if the stream has no input or the device can't be queried.
func (s *Stream) InputDeviceName() string {
	if !s.hasInput {
		return ""
	}
	d, err := portaudio.DefaultInputDevice()
	if err != nil {
		return ""
	}
	return d.Name
}

// OutputDeviceName reports the name of the default output device, or ""
// if it can't be queried.
func (s *Stream) OutputDeviceName() string {
	d, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return ""
	}
	return d.Name
}

// AvailableToRead returns the number of capture samples currently buffered,
// non-blocking. Only valid on a stream opened with input.
func (s *Stream) AvailableToRead() (int, error) {
	n, err := s.pa.AvailableToRead()
	if err != nil {
		return 0, fmt.Errorf("Pa_GetStreamReadAvailable: %w", err)
	}
	return n, nil
}

// ReadExact blocks until exactly one FrameSamples-length frame has been
// captured and returns it. The slice is reused across calls; callers must
// not retain it across the next ReadExact/WriteExact.
func (s *Stream) ReadExact() ([]int16, error) {
	if err := s.pa.Read(); err != nil {
		// Input overflow is a recoverable condition the caller tolerates;
		// any other error is fatal.
		if err == portaudio.InputOverflowed {
			return s.in, nil
		}
		return nil, fmt.Errorf("Pa_ReadStream: %w", err)
	}
	return s.in, nil
}

// WriteExact blocks writing one FrameSamples-length frame (pcm must be
// exactly FrameSamples long) to the output device.
func (s *Stream) WriteExact(pcm []int16) error {
	copy(s.out, pcm)
	if err := s.pa.Write(); err != nil {
		if err == portaudio.OutputUnderflowed {
			return errOutputUnderflow
		}
		return fmt.Errorf("Pa_WriteStream: %w", err)
	}
	return nil
}

// errOutputUnderflow is a sentinel the engine logs but never treats as fatal.
var errOutputUnderflow = fmt.Errorf("audiodev: output underflowed")

// IsOutputUnderflow reports whether err is the output-underflow sentinel.
func IsOutputUnderflow(err error) bool { return err == errOutputUnderflow }

// Close stops and closes the underlying PortAudio stream.
func (s *Stream) Close() error {
	if s == nil || s.pa == nil {
		return nil
	}
	if err := s.pa.Close(); err != nil {
		return fmt.Errorf("Pa_CloseStream: %w", err)
	}
	return nil
}

// Init wraps portaudio.Initialize, called once at engine startup.
func Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("Pa_Initialize: %w", err)
	}
	return nil
}

// Terminate wraps portaudio.Terminate, called once at engine shutdown.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("Pa_Terminate: %w", err)
	}
	return nil
}
