// Package recognizer streams microphone audio to a remote speech recognizer
// over a persistent websocket and reconciles its incremental transcript
// updates into one coherent text.
package recognizer

import (
	"context"
	"fmt"
)

// SessionConfig is what a vendor needs to negotiate one recognition session.
type SessionConfig struct {
	APIKey   string
	Model    string
	Language string
}

// EventKind classifies one inbound server message. Every message maps to
// exactly one kind.
type EventKind int

const (
	// EventUnrecognized carries nothing of interest and is ignored.
	EventUnrecognized EventKind = iota
	// EventDelta is an incremental fragment to merge into the transcript.
	EventDelta
	// EventReplace supersedes the whole transcript.
	EventReplace
	// EventCompleted is the terminal server event for the utterance. It may
	// carry the authoritative full transcript.
	EventCompleted
	// EventError is a server-reported error, fatal to the session.
	EventError
)

type Event struct {
	Kind EventKind
	Text string // fragment, full transcript, or error message depending on Kind
}

// Conn is one live recognition session on the wire.
//
// SendAudio silently ignores chunks once the connection is closed; callers
// buffer upstream until Open has returned. Commit and Close are idempotent.
// Recv blocks until the next classified event or a transport error.
type Conn interface {
	SendAudio(chunk []byte) error
	Commit() error
	Recv() (Event, error)
	Close() error
}

// Vendor is one recognizer's streaming protocol. Open establishes the
// transport and completes negotiation; when it returns the connection is
// ready for audio.
type Vendor interface {
	Name() string
	Open(ctx context.Context, cfg SessionConfig) (Conn, error)
}

// New selects a vendor binding by name.
func New(name string) (Vendor, error) {
	switch name {
	case "openai":
		return NewOpenAI(), nil
	case "deepgram":
		return NewDeepgram(), nil
	default:
		return nil, fmt.Errorf("unknown recognizer vendor %q", name)
	}
}
