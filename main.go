package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"murmur/audio"
	"murmur/clipboard"
	"murmur/config"
	"murmur/doctor"
	"murmur/log"
	"murmur/recognizer"
	"murmur/shutdown"
	"murmur/vad"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "Config file path (YAML, optional)")
	deviceFlag := flag.String("device", "", "Use named capture device (otherwise system default)")
	listFlag := flag.Bool("list-devices", false, "List capture devices and exit")
	vendorFlag := flag.String("vendor", "", "Recognition vendor: openai or deepgram")
	modelFlag := flag.String("model", "", "Override the recognition model")
	langFlag := flag.String("lang", "", "Language code for recognition (e.g., en, es). Empty = auto-detect")
	copyFlag := flag.Bool("copy", true, "Copy the final transcript to the clipboard")
	wavFlag := flag.String("wav", "", "Stream a WAV file instead of the microphone")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("murmur %s\n", version)
		return 0
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.ApplyFlags(*vendorFlag, *modelFlag, *langFlag, *deviceFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *doctorFlag {
		return doctor.Run(cfg)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	var ctx audio.Context
	if *wavFlag != "" {
		ctx, err = audio.NewFakeContext(*wavFlag, true)
	} else {
		ctx, err = audio.NewContext()
	}
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer ctx.Close()

	if *listFlag {
		return listDevices(ctx)
	}

	var selected *audio.DeviceInfo
	if cfg.Device != "" {
		selected, err = audio.FindDevice(ctx, cfg.Device)
		if err != nil {
			log.Warnf("device lookup failed: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: %v, falling back to system default\n", err)
		}
	}

	capture, err := ctx.NewCapture(selected, audio.CaptureConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		log.Errorf("capture device init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing capture device: %v\n", err)
		return 1
	}
	defer capture.Close()

	vendor, err := recognizer.New(cfg.Vendor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var det recognizer.SilenceDetector
	if cfg.Silence.Enabled {
		d, err := vad.New(audio.SampleRate, cfg.Silence.WindowMs, cfg.Silence.Sensitivity)
		if err != nil {
			log.Warnf("silence detection unavailable: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: silence detection unavailable: %v\n", err)
		} else {
			det = d
		}
	}

	log.SessionStart(cfg.Vendor, cfg.Model, cfg.Language)
	log.Info("recording_device: " + capture.DeviceName())

	var lineMu sync.Mutex
	lineWidth := 0
	showPartial := func(text string) {
		lineMu.Lock()
		defer lineMu.Unlock()
		w := utf8.RuneCountInString(text)
		pad := ""
		if lineWidth > w {
			pad = strings.Repeat(" ", lineWidth-w)
		}
		fmt.Printf("\r%s%s", text, pad)
		lineWidth = w
	}
	clearLine := func() {
		lineMu.Lock()
		defer lineMu.Unlock()
		if lineWidth > 0 {
			fmt.Printf("\r%s\r", strings.Repeat(" ", lineWidth))
			lineWidth = 0
		}
	}

	done := make(chan int, 1)
	eng := recognizer.NewEngine(vendor, recognizer.Options{
		Session: recognizer.SessionConfig{
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
		},
		StopGrace:      time.Duration(cfg.Session.StopGraceMs) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.Session.ConnectTimeoutMs) * time.Millisecond,
	}, recognizer.Callbacks{
		OnPartial: showPartial,
		OnFinal: func(text string) {
			clearLine()
			if text == "" {
				fmt.Fprintln(os.Stderr, "(no speech detected)")
				done <- 0
				return
			}
			fmt.Println(text)
			log.TranscriptText(text)
			if *copyFlag {
				if err := clipboard.Copy(text); err != nil {
					log.Warnf("clipboard copy failed: %v", err)
				}
			}
			done <- 0
		},
		OnStopped: func() {
			clearLine()
			fmt.Fprintln(os.Stderr, "silence detected, stopping")
		},
		OnError: func(message string) {
			clearLine()
			log.Error("session error: " + message)
			fmt.Fprintf(os.Stderr, "Error: %s\n", message)
			done <- 1
		},
	})

	src := audio.NewSource(capture)
	if err := eng.Start(src, det); err != nil {
		if errors.Is(err, recognizer.ErrPermission) {
			fmt.Fprintln(os.Stderr, "Error: no microphone available (check device permissions)")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	fmt.Fprintln(os.Stderr, "recording... press Enter or Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		eng.Stop()
	}()
	go func() {
		bufio.NewScanner(os.Stdin).Scan()
		eng.Stop()
	}()
	if fc, ok := capture.(*audio.FakeCapture); ok {
		// WAV replay ends the session when the file runs out.
		go func() {
			<-fc.AudioDone()
			eng.Stop()
		}()
	}

	code := <-done
	eng.Stop() // waits for teardown when the session ended on its own
	log.SessionEnd(1)
	return code
}

func listDevices(ctx audio.Context) int {
	devices, err := ctx.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error enumerating devices: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("No capture devices found.")
		return 0
	}
	for _, d := range devices {
		fmt.Println(d.Name)
	}
	return 0
}
