// Package control implements the small authenticated line protocol an
// external actor uses to drive a running RelayManager's stop/reset
// lifecycle (spec.md §4.7/§9 "external actor", expanded in SPEC_FULL.md
// §4.11).
package control

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// maxPacketSize bounds a single framed message; the protocol only ever
// carries one-line commands and replies so this is generous headroom, not
// a tuning knob.
const maxPacketSize = 64 * 1024

// Conn wraps a net.Conn with chacha20poly1305 AEAD framing: each Write is
// sealed under its own sequential nonce and length-prefixed on the wire,
// each Read unseals and buffers one frame at a time.
type Conn struct {
	net.Conn
	aead    cipher.AEAD
	sendCtr uint64
	recvBuf bytes.Buffer
	mu      sync.Mutex
}

// WrapConn derives an AEAD from sessionKey and wraps conn so every byte
// that crosses it is authenticated and encrypted.
func WrapConn(conn net.Conn, sessionKey []byte) (net.Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, aead: aead}, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.sendCtr)
	c.sendCtr++

	ct := c.aead.Seal(nil, nonce, p, nil)
	length := uint32(len(nonce) + len(ct))

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], length)

	if i, err := c.Conn.Write(hdr[:]); err != nil {
		return i, err
	}
	if i, err := c.Conn.Write(nonce); err != nil {
		return i, err
	}
	if i, err := c.Conn.Write(ct); err != nil {
		return i, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.recvBuf.Len() == 0 {
		var hdr [4]byte
		if i, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
			return i, err
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length > maxPacketSize {
			return 0, io.ErrUnexpectedEOF
		}

		pkt := make([]byte, length)
		if i, err := io.ReadFull(c.Conn, pkt); err != nil {
			return i, err
		}

		nonce := pkt[:chacha20poly1305.NonceSize]
		ct := pkt[chacha20poly1305.NonceSize:]

		pt, err := c.aead.Open(nil, nonce, ct, nil)
		if err != nil {
			return 0, err
		}
		c.recvBuf.Write(pt)
	}
	return c.recvBuf.Read(p)
}
