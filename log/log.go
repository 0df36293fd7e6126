package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: MURMUR_LOG_PATH environment variable
	envPath := os.Getenv("MURMUR_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptPath := filepath.Join(dir, "transcript_log.txt")
	transcriptFile, err = os.OpenFile(transcriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// TranscriptText appends one finished transcript to the transcript log,
// kept separate from diagnostics so it stays grep-friendly.
func TranscriptText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcriptFile.WriteString(line)
}

type SessionMetricsData struct {
	SessionID     string
	Vendor        string
	ConnectMs     float64
	FinalizeMs    float64
	TotalMs       float64
	AudioS        float64
	SentChunks    int
	SentKB        float64
	DroppedChunks int
	RecvMessages  int
	RecvPartial   int
	RecvReplace   int
	Success       bool
}

func SessionMetrics(m SessionMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", m.SessionID).
		Str("vendor", m.Vendor).
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("dropped_chunks", m.DroppedChunks).
		Int("recv_messages", m.RecvMessages).
		Int("recv_partial", m.RecvPartial).
		Int("recv_replace", m.RecvReplace).
		Bool("success", m.Success).
		Msg("session")
}

func SessionStart(vendor, model, language string) {
	if !logReady {
		return
	}
	ev := diagLog.Info().
		Str("vendor", vendor).
		Str("model", model)
	if language != "" {
		ev = ev.Str("language", language)
	}
	ev.Msg("session_start")
}

func SessionEnd(count int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("count", count).
		Msg("session_end")
}
