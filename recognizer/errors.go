package recognizer

import "errors"

// Sentinel errors for the failure taxonomy. Permission and config errors are
// pre-flight: no session exists when they surface. The rest are fatal to an
// existing session and surface exactly once.
var (
	ErrPermission = errors.New("microphone permission denied")
	ErrConfig     = errors.New("recognizer credential not configured")
	ErrConnect    = errors.New("recognizer connection failed")
	ErrTransport  = errors.New("recognizer transport failed")
	ErrAudio      = errors.New("audio capture failed")
)
