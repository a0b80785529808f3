// Package transport carries stanza bytes over the wire. Socket is the
// minimal collaborator the handler needs (send, and an inbound channel);
// the frame-length-prefixing scheme is kept from the teacher's
// client/framesocket.go, the noise-handshake/encryption layer it wraps is a
// spec non-goal and is not reimplemented here.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

const frameLengthSize = 3
const frameMaxSize = 1 << 24

var ErrFrameTooLarge = errors.New("frame too large")
var ErrNotConnected = errors.New("not connected")

// Socket is the transport surface the handler and higher layers depend on.
type Socket interface {
	SendFrame(data []byte) error
	Frames() <-chan []byte
	Close() error
}

// WSSocket is a gorilla/websocket-backed Socket that speaks the same
// 3-byte-big-endian-length-prefixed framing the teacher's FrameSocket does,
// over a websocket binary message per frame instead of a raw TCP stream.
type WSSocket struct {
	conn   *websocket.Conn
	frames chan []byte

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial opens a websocket connection to url and starts its read pump.
func Dial(ctx context.Context, url string, header map[string][]string) (*WSSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	sockCtx, cancel := context.WithCancel(ctx)
	s := &WSSocket{conn: conn, frames: make(chan []byte), ctx: sockCtx, cancel: cancel}
	go s.readPump()
	return s, nil
}

func (s *WSSocket) readPump() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.frames <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

// SendFrame prefixes data with its 3-byte big-endian length and writes it as
// one binary websocket message, matching FrameSocket.SendFrame's on-wire
// shape minus the one-time noise handshake header.
func (s *WSSocket) SendFrame(data []byte) error {
	if len(data) >= frameMaxSize {
		return fmt.Errorf("%w (got %d bytes, max %d bytes)", ErrFrameTooLarge, len(data), frameMaxSize)
	}
	frame := make([]byte, frameLengthSize+len(data))
	frame[0] = byte(len(data) >> 16)
	frame[1] = byte(len(data) >> 8)
	frame[2] = byte(len(data))
	copy(frame[frameLengthSize:], data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *WSSocket) Frames() <-chan []byte { return s.frames }

func (s *WSSocket) Close() error {
	s.cancel()
	return s.conn.Close()
}
