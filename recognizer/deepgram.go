package recognizer

import (
	"context"
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

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// Deepgram streams raw PCM frames and reports finalized segments. There is
// no negotiation ack: the session is ready as soon as the dial succeeds.
type Deepgram struct{}

func NewDeepgram() *Deepgram { return &Deepgram{} }

func (d *Deepgram) Name() string { return "deepgram" }

type dgResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"` // set on error responses
}

func (d *Deepgram) Open(ctx context.Context, cfg SessionConfig) (Conn, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: DEEPGRAM_API_KEY not set", ErrConfig)
	}

	endpoint, err := url.Parse(deepgramListenURL)
	if err != nil {
		return nil, err
	}
	q := endpoint.Query()
	q.Set("model", cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", audio.SampleRate))
	q.Set("channels", fmt.Sprintf("%d", audio.Channels))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	sessCtx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	return &deepgramConn{conn: conn, ctx: sessCtx, cancel: cancel}, nil
}

type deepgramConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	closed       bool
	committed    bool
	gotSegment   bool
	pendingFinal bool
}

func (c *deepgramConn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageBinary, chunk)
}

func (c *deepgramConn) Commit() error {
	c.mu.Lock()
	if c.closed || c.committed {
		c.mu.Unlock()
		return nil
	}
	c.committed = true
	c.mu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

func (c *deepgramConn) Recv() (Event, error) {
	c.mu.Lock()
	if c.pendingFinal {
		c.pendingFinal = false
		c.mu.Unlock()
		return Event{Kind: EventCompleted}, nil
	}
	c.mu.Unlock()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return Event{}, err
		}
		var resp dgResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warnf("deepgram: dropping unparseable message: %v", err)
			continue
		}
		return c.classify(resp), nil
	}
}

// classify maps one parsed response to an event and tracks segment state.
func (c *deepgramConn) classify(resp dgResponse) Event {
	if strings.EqualFold(resp.Type, "Error") {
		return Event{Kind: EventError, Text: resp.Description}
	}

	transcript := ""
	if len(resp.Channel.Alternatives) > 0 {
		transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	}

	// Only finalized segments advance the transcript; interims flap.
	if !resp.IsFinal && !resp.SpeechFinal && !resp.FromFinalize {
		return Event{Kind: EventUnrecognized}
	}

	if transcript == "" {
		if resp.FromFinalize {
			return Event{Kind: EventCompleted}
		}
		return Event{Kind: EventUnrecognized}
	}

	// Segments are discrete, not overlapping; join them with a space so
	// the downstream merge degrades to concatenation.
	c.mu.Lock()
	if c.gotSegment {
		transcript = " " + transcript
	}
	c.gotSegment = true
	if resp.FromFinalize {
		c.pendingFinal = true
	}
	c.mu.Unlock()

	return Event{Kind: EventDelta, Text: transcript}
}

func (c *deepgramConn) Close() error {
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
