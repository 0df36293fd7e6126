package recognizer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"murmur/audio"
	"murmur/log"
)

const openaiRealtimeURL = "wss://api.openai.com/v1/realtime"

type OpenAI struct{}

func NewOpenAI() *OpenAI { return &OpenAI{} }

func (o *OpenAI) Name() string { return "openai" }

// Outbound control events.
type oaSessionUpdate struct {
	Type    string            `json:"type"`
	Session oaSessionSettings `json:"session"`
}

type oaSessionSettings struct {
	InputAudioFormat string `json:"input_audio_format"`
	SampleRate       int    `json:"sample_rate"`
	Language         string `json:"language,omitempty"`
	// Turn detection stays off: silence handling is done client-side.
	TurnDetection any `json:"turn_detection"`
}

type oaAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type oaCommit struct {
	Type string `json:"type"`
}

// Inbound event shape. Servers vary in where they put the text, so every
// known location is tried in order.
type oaServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Response   *struct {
		Text string `json:"text"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAI) Open(ctx context.Context, cfg SessionConfig) (Conn, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrConfig)
	}

	endpoint, err := url.Parse(openaiRealtimeURL)
	if err != nil {
		return nil, err
	}
	q := endpoint.Query()
	q.Set("model", cfg.Model)
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)

	sessCtx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	// Transcripts can outgrow the default read limit on long utterances.
	conn.SetReadLimit(1 << 20)

	c := &openaiConn{conn: conn, ctx: sessCtx, cancel: cancel}

	update := oaSessionUpdate{
		Type: "transcription_session.update",
		Session: oaSessionSettings{
			InputAudioFormat: "pcm16",
			SampleRate:       audio.SampleRate,
			Language:         cfg.Language,
			TurnDetection:    nil,
		},
	}
	if err := c.writeJSON(ctx, update); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: session update: %v", ErrConnect, err)
	}

	if err := c.awaitNegotiation(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

type openaiConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	committed bool
}

// awaitNegotiation reads until the server acknowledges the session
// configuration. Negotiation failure is fatal, never retried.
func (c *openaiConn) awaitNegotiation(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: negotiation: %v", ErrConnect, err)
		}
		var ev oaServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warnf("openai: unparseable negotiation message: %v", err)
			continue
		}
		if ev.Error != nil {
			return fmt.Errorf("%w: %s", ErrConnect, ev.Error.Message)
		}
		typ := strings.ToLower(ev.Type)
		if strings.Contains(typ, "session") && (strings.Contains(typ, "created") || strings.Contains(typ, "updated")) {
			return nil
		}
	}
}

func (c *openaiConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *openaiConn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.writeJSON(c.ctx, oaAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

func (c *openaiConn) Commit() error {
	c.mu.Lock()
	if c.closed || c.committed {
		c.mu.Unlock()
		return nil
	}
	c.committed = true
	c.mu.Unlock()

	return c.writeJSON(c.ctx, oaCommit{Type: "input_audio_buffer.commit"})
}

func (c *openaiConn) Recv() (Event, error) {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return Event{}, err
		}
		var raw oaServerEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			// One malformed message must not abort a healthy stream.
			log.Warnf("openai: dropping unparseable message: %v", err)
			continue
		}
		return classifyOpenAI(raw), nil
	}
}

func (c *openaiConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// classifyOpenAI maps one inbound message to exactly one event.
// Precedence: an explicit error always wins; then substring matching on the
// type token; an unknown type with a bare text payload is treated as a
// conservative incremental fragment.
func classifyOpenAI(raw oaServerEvent) Event {
	if raw.Error != nil {
		msg := raw.Error.Message
		if msg == "" {
			msg = "server reported an unspecified error"
			if raw.Error.Code != "" {
				msg = "server error " + raw.Error.Code
			}
		}
		return Event{Kind: EventError, Text: msg}
	}

	text := raw.Delta
	if text == "" {
		text = raw.Transcript
	}
	if text == "" {
		text = raw.Text
	}
	if text == "" && raw.Response != nil {
		text = raw.Response.Text
	}

	typ := strings.ToLower(raw.Type)
	switch {
	case strings.Contains(typ, "delta"):
		return Event{Kind: EventDelta, Text: text}
	case strings.Contains(typ, "partial"):
		return Event{Kind: EventReplace, Text: text}
	case strings.Contains(typ, "completed"), strings.Contains(typ, "done"):
		return Event{Kind: EventCompleted, Text: text}
	case text != "":
		return Event{Kind: EventDelta, Text: text}
	default:
		return Event{Kind: EventUnrecognized}
	}
}
