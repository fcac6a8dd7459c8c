package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Conn wraps the telephony websocket. Reads are owned by a single goroutine;
// writes are serialized with a mutex because audio frames, DTMF and marks are
// produced from different goroutines.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	streamSID string
	closed    bool
}

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// SetStreamSID records the stream identifier from the start event. Outbound
// envelopes carry it from then on.
func (c *Conn) SetStreamSID(sid string) {
	c.mu.Lock()
	c.streamSID = sid
	c.mu.Unlock()
}

// StreamSID returns the current stream identifier.
func (c *Conn) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

// ReadEnvelope blocks until the next envelope arrives.
func (c *Conn) ReadEnvelope() (*Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read media stream: %w", err)
	}
	return DecodeEnvelope(data)
}

// WriteAudio sends mulaw audio as protocol-sized media frames.
func (c *Conn) WriteAudio(ctx context.Context, mulaw []byte) error {
	for _, frame := range Frames(mulaw) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := MediaEnvelope(c.StreamSID(), frame)
		if err != nil {
			return err
		}
		if err := c.writeMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

// WriteDTMF sends a single DTMF digit.
func (c *Conn) WriteDTMF(digit string) error {
	msg, err := DTMFEnvelope(c.StreamSID(), digit)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

// WriteMark sends a playback checkpoint.
func (c *Conn) WriteMark(name string) error {
	msg, err := MarkEnvelope(c.StreamSID(), name)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

// WriteClear asks the provider to drop queued playback audio.
func (c *Conn) WriteClear() error {
	msg, err := ClearEnvelope(c.StreamSID())
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

func (c *Conn) writeMessage(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write media stream: %w", err)
	}
	return nil
}

// Close closes the underlying websocket once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
	c.writeMu.Unlock()
	return c.ws.Close()
}
