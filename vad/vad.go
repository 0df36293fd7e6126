// Package vad decides when the speaker has gone quiet for long enough that
// the recording should stop on its own. Frame-level speech classification is
// WebRTC VAD; the stop decision is a sliding window over recent frames.
package vad

import (
	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

const (
	vadMode = 3 // most aggressive: fewer false speech positives
	frameMs = 20
)

// Detector is stateful across the chunks of one session. Not safe for
// concurrent use; the engine calls it from the audio producer only.
type Detector struct {
	classify   func(frame []byte) bool
	frameBytes int

	buf         []byte
	window      []bool // ring of per-frame speech flags
	head        int
	frames      int // total frames observed
	speechCount int // speech frames currently in the window
	sensitivity float64
}

// New builds a detector over WebRTC VAD. windowMs is how long sustained
// silence must last before ShouldStop fires; sensitivity is the speech-frame
// ratio below which the window counts as silent.
func New(sampleRate, windowMs int, sensitivity float64) (*Detector, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if err := v.SetMode(vadMode); err != nil {
		return nil, err
	}
	classify := func(frame []byte) bool {
		active, err := v.Process(sampleRate, frame)
		return err == nil && active
	}
	return newDetector(sampleRate, windowMs, sensitivity, classify), nil
}

func newDetector(sampleRate, windowMs int, sensitivity float64, classify func([]byte) bool) *Detector {
	windowFrames := windowMs / frameMs
	if windowFrames < 1 {
		windowFrames = 1
	}
	return &Detector{
		classify:    classify,
		frameBytes:  sampleRate * frameMs / 1000 * 2,
		window:      make([]bool, windowFrames),
		sensitivity: sensitivity,
	}
}

// ShouldStop consumes one audio chunk and reports whether sustained silence
// has now been observed. It never fires before a full window has elapsed.
func (d *Detector) ShouldStop(chunk []byte) bool {
	d.buf = append(d.buf, chunk...)
	for len(d.buf) >= d.frameBytes {
		frame := d.buf[:d.frameBytes]
		d.buf = d.buf[d.frameBytes:]
		d.push(d.classify(frame))
	}

	if d.frames < len(d.window) {
		return false
	}
	ratio := float64(d.speechCount) / float64(len(d.window))
	return ratio < d.sensitivity
}

func (d *Detector) push(speech bool) {
	if d.frames >= len(d.window) && d.window[d.head] {
		d.speechCount--
	}
	d.window[d.head] = speech
	if speech {
		d.speechCount++
	}
	d.head = (d.head + 1) % len(d.window)
	d.frames++
}

// Reset clears all state for a new session.
func (d *Detector) Reset() {
	d.buf = d.buf[:0]
	for i := range d.window {
		d.window[i] = false
	}
	d.head = 0
	d.frames = 0
	d.speechCount = 0
}
