package tincanphone

import "testing"

func TestRingtoneFramePlaysDuringOnWindows(t *testing.T) {
	tn := newTones()

	cases := []struct {
		elapsedMs uint
		wantTone  bool
	}{
		{0, true},
		{399, true},
		{400, false},
		{799, false},
		{800, true},
		{1199, true},
		{1200, false},
		{3799, false},
		{3800, true}, // next period starts
	}

	for _, c := range cases {
		frame := tn.ringtoneFrame(true, c.elapsedMs)
		isSilence := &frame[0] == &tn.silence[0]
		if isSilence == c.wantTone {
			t.Errorf("elapsedMs=%d: silence=%v, want tone playing=%v", c.elapsedMs, isSilence, c.wantTone)
		}
	}
}

func TestRingtoneFrameSelectsDirection(t *testing.T) {
	tn := newTones()

	in := tn.ringtoneFrame(true, 0)
	out := tn.ringtoneFrame(false, 0)

	if &in[0] != &tn.ringToneIn[0] {
		t.Fatal("ringing=true should select the incoming tone")
	}
	if &out[0] != &tn.ringToneOut[0] {
		t.Fatal("ringing=false should select the outgoing tone")
	}
}
