// Package doctor runs interactive system diagnostics: audio capture,
// credentials, recognizer connectivity, and the clipboard.
package doctor

import (
	"context"
	"fmt"
	"time"

	"murmur/audio"
	"murmur/clipboard"
	"murmur/config"
	"murmur/recognizer"
)

const captureProbeTimeout = 3 * time.Second

// Run executes the checks and returns an exit code (0=all pass, 1=any fail).
func Run(cfg config.Config) int {
	fmt.Println("murmur doctor - system diagnostics")
	fmt.Println("==================================")

	allPass := true
	if !checkAudio() {
		allPass = false
	}
	if !checkCredentials(cfg) {
		allPass = false
	}
	if allPass && !checkRecognizer(cfg) {
		allPass = false
	}
	if !checkClipboard() {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkAudio() bool {
	fmt.Println()
	fmt.Println("[1/4] Audio capture")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: audio context: %v\n", err)
		return false
	}
	defer ctx.Close()

	devices, err := ctx.Devices()
	if err != nil {
		fmt.Printf("  WARN: device enumeration: %v\n", err)
	} else {
		fmt.Printf("  found %d capture device(s)\n", len(devices))
	}

	capture, err := ctx.NewCapture(nil, audio.CaptureConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		fmt.Printf("  FAIL: open default device: %v\n", err)
		return false
	}
	defer capture.Close()

	got := make(chan struct{}, 1)
	capture.SetCallback(func(data []byte, _ uint32) {
		if len(data) > 0 {
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})
	if err := capture.Start(); err != nil {
		fmt.Printf("  FAIL: start capture: %v\n", err)
		return false
	}
	defer capture.Stop()

	select {
	case <-got:
		fmt.Printf("  PASS: receiving audio from %s\n", capture.DeviceName())
		return true
	case <-time.After(captureProbeTimeout):
		fmt.Printf("  FAIL: no audio data within %s (muted mic? permissions?)\n", captureProbeTimeout)
		return false
	}
}

func checkCredentials(cfg config.Config) bool {
	fmt.Println()
	fmt.Println("[2/4] Credentials")

	envVar := "OPENAI_API_KEY"
	if cfg.Vendor == "deepgram" {
		envVar = "DEEPGRAM_API_KEY"
	}
	if cfg.APIKey == "" {
		fmt.Printf("  FAIL: %s not set (vendor %q)\n", envVar, cfg.Vendor)
		return false
	}
	fmt.Printf("  PASS: %s is set\n", envVar)
	return true
}

func checkRecognizer(cfg config.Config) bool {
	fmt.Println()
	fmt.Printf("[3/4] Recognizer connectivity (%s)\n", cfg.Vendor)

	vendor, err := recognizer.New(cfg.Vendor)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := vendor.Open(ctx, recognizer.SessionConfig{
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		Language: cfg.Language,
	})
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	conn.Close()
	fmt.Printf("  PASS: connected, model %q accepted\n", cfg.Model)
	return true
}

func checkClipboard() bool {
	fmt.Println()
	fmt.Println("[4/4] Clipboard")

	previous, hadPrevious := "", false
	if text, err := clipboard.Read(); err == nil {
		previous, hadPrevious = text, true
	}

	probe := fmt.Sprintf("murmur-doctor-%d", time.Now().UnixNano())
	if err := clipboard.Copy(probe); err != nil {
		fmt.Printf("  FAIL: copy: %v\n", err)
		return false
	}
	text, err := clipboard.Read()
	if hadPrevious {
		defer clipboard.Copy(previous)
	}
	if err != nil {
		fmt.Printf("  FAIL: read back: %v\n", err)
		return false
	}
	if text != probe {
		fmt.Println("  FAIL: clipboard contents did not round-trip")
		return false
	}
	fmt.Println("  PASS: clipboard round-trip")
	return true
}
