package tincanphone

import "math"

// Ringtone frequencies are integer multiples of 50 so a single 20ms frame
// contains a whole number of cycles and loops without a discontinuity.
const (
	ringToneOutHz = 400 // played locally while Dialing
	ringToneInHz  = 250 // played locally while Ringing

	toneAmplitude = 0.5 // fraction of int16 full scale
)

// tones holds the three startup-synthesized one-frame PCM buffers used by
// the ring phase: silence, and the two ringtones, each exactly one 20ms
// frame long and looped verbatim with no fade envelope.
type tones struct {
	silence     [PacketSamples]int16
	ringToneOut [PacketSamples]int16
	ringToneIn  [PacketSamples]int16
}

// newTones synthesizes the silence and ringtone buffers.
func newTones() *tones {
	t := &tones{}
	fillSineTone(t.ringToneOut[:], ringToneOutHz)
	fillSineTone(t.ringToneIn[:], ringToneInHz)
	return t
}

func fillSineTone(buf []int16, freqHz float64) {
	const amp16 = toneAmplitude * float64(math.MaxInt16)
	for s := range buf {
		x := float64(s) / float64(SampleRate)
		buf[s] = int16(math.Sin(x*freqHz*2*math.Pi) * amp16)
	}
}

const (
	ringMs     = 400
	ringPause  = 800
	ringRepeat = 3800
)

// ringtoneFrame returns the frame to play at the given point in the ring
// cycle: the tone during [0,400)ms and [800,1200)ms of each 3800ms period,
// silence otherwise.
func (t *tones) ringtoneFrame(ringing bool, elapsedMs uint) []int16 {
	toneTime := elapsedMs % ringRepeat
	playTone := toneTime < ringMs || (toneTime >= ringPause && toneTime < ringPause+ringMs)
	if !playTone {
		return t.silence[:]
	}
	if ringing {
		return t.ringToneIn[:]
	}
	return t.ringToneOut[:]
}
