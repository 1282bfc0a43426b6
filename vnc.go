package emuctl

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
)

// RFB protocol constants.
const (
	rfbProtocolVersion = "RFB 003.008\n"

	securityTypeNone = 1

	// Server-to-client message types
	msgFramebufferUpdate   = 0
	msgSetColourMapEntries = 1
	msgBell                = 2
	msgServerCutText       = 3

	// Client-to-server message types
	msgSetPixelFormat           = 0
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3

	encodingRaw         = 0
	encodingCopyRect    = 1
	encodingDesktopSize = -223
)

// handshakeTimeout bounds the whole RFB handshake once the TCP
// connection is up. messageTimeout bounds the remainder of a server
// message once its first byte has arrived; giving up mid-message would
// desynchronize the stream.
const (
	handshakeTimeout = 10 * time.Second
	messageTimeout   = 5 * time.Second
)

// PixelFormat describes an RFB pixel layout.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColor    bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// clientPixelFormat is the layout the client always requests:
// 32-bit true-color, little-endian, shifts 16/8/0, which puts B,G,R,X
// on the wire and matches the framebuffer's decode path.
var clientPixelFormat = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	TrueColor:    true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

// SecurityError is returned when the RFB security handshake fails.
type SecurityError struct {
	Result uint32
	Reason string
}

func (e *SecurityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("VNC security handshake failed (%d): %s", e.Result, e.Reason)
	}
	return fmt.Sprintf("VNC security handshake failed (%d)", e.Result)
}

// VNCClient is a client for the emulator's VNC display socket. It
// implements the RFB 3.8 handshake, keeps a local framebuffer current
// by applying rectangle updates, and exports JPEG-encoded frames.
//
// The client is single-owner: capture calls are serialized internally,
// and the streaming loop is just another caller. There is no automatic
// reconnect; callers retry Connect with their own policy.
type VNCClient struct {
	addr string
	log  *zap.Logger

	// TargetWidth and TargetHeight set the output resolution of
	// CaptureFrame. When they differ from the framebuffer's native
	// size the frame is rescaled. Defaults: 1920x1080.
	TargetWidth  int
	TargetHeight int

	// FPS is the streaming frame rate. Default 30.
	FPS int

	// JPEGQuality is the encode quality for CaptureFrame. Default 80.
	JPEGQuality int

	// RetryAttempts and RetryDelay bound Connect's retry loop.
	// Defaults: 10 attempts, 1 second apart.
	RetryAttempts int
	RetryDelay    time.Duration

	// DialTimeout bounds a single connection attempt. Default 5s.
	DialTimeout time.Duration

	// ReadTimeout bounds the wait for new server data in one update
	// cycle; expiry means "no new frame", not an error. Default 500ms.
	ReadTimeout time.Duration

	state atomic.Int32

	mu           sync.Mutex
	conn         net.Conn
	fb           *frameBuffer
	serverFormat PixelFormat
	desktopName  string
	lastFrame    []byte
	lastFrameAt  time.Time

	cbMu    sync.Mutex
	frameCB func([]byte)

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// NewVNCClient creates a display client for the given host:port
// address. Call Connect before capturing frames.
func NewVNCClient(addr string) *VNCClient {
	return &VNCClient{
		addr:          addr,
		log:           zap.NewNop(),
		TargetWidth:   1920,
		TargetHeight:  1080,
		FPS:           30,
		JPEGQuality:   80,
		RetryAttempts: 10,
		RetryDelay:    time.Second,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   500 * time.Millisecond,
	}
}

// SetLogger sets the structured logger. The default is a no-op logger.
func (c *VNCClient) SetLogger(log *zap.Logger) {
	if log != nil {
		c.log = log
	}
}

// State returns the client's connection state.
func (c *VNCClient) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *VNCClient) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("VNC state change",
			zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// DesktopName returns the desktop name announced by the server.
func (c *VNCClient) DesktopName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desktopName
}

// ServerPixelFormat returns the server's native pixel format from the
// handshake. The session itself always runs in the client's requested
// 32-bit layout.
func (c *VNCClient) ServerPixelFormat() PixelFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverFormat
}

// FramebufferSize returns the current framebuffer dimensions.
func (c *VNCClient) FramebufferSize() (w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fb == nil {
		return 0, 0
	}
	return c.fb.size()
}

// LastFrameTime returns the capture time of the most recent encoded
// frame, or the zero time if none has been produced.
func (c *VNCClient) LastFrameTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrameAt
}

// Connect dials the display socket and performs the RFB handshake.
// Dial failures (refused, timeout) are retried with a fixed delay and a
// bounded attempt count; handshake failures abort immediately.
func (c *VNCClient) Connect(ctx context.Context) error {
	if c.State() != StateDisconnected {
		return fmt.Errorf("already connected")
	}
	c.setState(StateConnecting)

	attempt := 0
	op := func() error {
		attempt++

		dialer := &net.Dialer{Timeout: c.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			c.log.Debug("VNC connection attempt failed, will retry",
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}

		if err := c.handshake(conn); err != nil {
			conn.Close()
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RetryDelay), uint64(c.RetryAttempts-1)),
		ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("VNC connect failed: %w", err)
	}
	return nil
}

// handshake runs the RFB 3.8 handshake sequence. Each step blocks on
// the previous one: version exchange, security negotiation, client
// init, server init, then pixel format and encoding selection.
func (c *VNCClient) handshake(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(StateHandshaking)

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	// Version exchange
	version := make([]byte, 12)
	if _, err := io.ReadFull(conn, version); err != nil {
		return fmt.Errorf("failed to read server version: %w", err)
	}
	if !bytes.HasPrefix(version, []byte("RFB ")) {
		return fmt.Errorf("not an RFB server: %q", version)
	}
	if _, err := conn.Write([]byte(rfbProtocolVersion)); err != nil {
		return fmt.Errorf("failed to send version: %w", err)
	}

	// Security negotiation
	var count [1]byte
	if _, err := io.ReadFull(conn, count[:]); err != nil {
		return fmt.Errorf("failed to read security types: %w", err)
	}
	if count[0] == 0 {
		reason := readRFBString(conn)
		return &SecurityError{Reason: reason}
	}

	types := make([]byte, count[0])
	if _, err := io.ReadFull(conn, types); err != nil {
		return fmt.Errorf("failed to read security types: %w", err)
	}
	if !bytes.Contains(types, []byte{securityTypeNone}) {
		return &SecurityError{Reason: fmt.Sprintf("no acceptable security type in %v (need none-auth)", types)}
	}
	if _, err := conn.Write([]byte{securityTypeNone}); err != nil {
		return fmt.Errorf("failed to select security type: %w", err)
	}

	var result [4]byte
	if _, err := io.ReadFull(conn, result[:]); err != nil {
		return fmt.Errorf("failed to read security result: %w", err)
	}
	if code := binary.BigEndian.Uint32(result[:]); code != 0 {
		return &SecurityError{Result: code, Reason: readRFBString(conn)}
	}

	// ClientInit: shared access
	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("failed to send client init: %w", err)
	}

	// ServerInit
	head := make([]byte, 20)
	if _, err := io.ReadFull(conn, head); err != nil {
		return fmt.Errorf("failed to read server init: %w", err)
	}
	width := int(binary.BigEndian.Uint16(head[0:2]))
	height := int(binary.BigEndian.Uint16(head[2:4]))
	serverFormat := parsePixelFormat(head[4:20])

	var nameLen [4]byte
	if _, err := io.ReadFull(conn, nameLen[:]); err != nil {
		return fmt.Errorf("failed to read desktop name length: %w", err)
	}
	name := make([]byte, binary.BigEndian.Uint32(nameLen[:]))
	if _, err := io.ReadFull(conn, name); err != nil {
		return fmt.Errorf("failed to read desktop name: %w", err)
	}

	c.fb = newFrameBuffer(width, height)
	c.serverFormat = serverFormat
	c.desktopName = string(name)
	c.conn = conn

	c.log.Info("VNC connected",
		zap.String("addr", c.addr),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Uint8("server_bpp", serverFormat.BitsPerPixel),
		zap.String("desktop", c.desktopName))

	// Switch the session to the client's fixed 32-bit layout and
	// restrict encodings to what the decoder supports.
	if err := c.sendSetPixelFormat(); err != nil {
		c.conn = nil
		return err
	}
	if err := c.sendSetEncodings(); err != nil {
		c.conn = nil
		return err
	}

	c.setState(StateActive)
	return nil
}

// readRFBString best-effort reads a length-prefixed failure reason.
func readRFBString(conn net.Conn) string {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return ""
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 4096 {
		return ""
	}
	reason := make([]byte, n)
	if _, err := io.ReadFull(conn, reason); err != nil {
		return ""
	}
	return string(reason)
}

func parsePixelFormat(b []byte) PixelFormat {
	return PixelFormat{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColor:    b[3] != 0,
		RedMax:       binary.BigEndian.Uint16(b[4:6]),
		GreenMax:     binary.BigEndian.Uint16(b[6:8]),
		BlueMax:      binary.BigEndian.Uint16(b[8:10]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
}

func (c *VNCClient) sendSetPixelFormat() error {
	pf := clientPixelFormat

	msg := make([]byte, 20)
	msg[0] = msgSetPixelFormat
	msg[4] = pf.BitsPerPixel
	msg[5] = pf.Depth
	if pf.BigEndian {
		msg[6] = 1
	}
	if pf.TrueColor {
		msg[7] = 1
	}
	binary.BigEndian.PutUint16(msg[8:10], pf.RedMax)
	binary.BigEndian.PutUint16(msg[10:12], pf.GreenMax)
	binary.BigEndian.PutUint16(msg[12:14], pf.BlueMax)
	msg[14] = pf.RedShift
	msg[15] = pf.GreenShift
	msg[16] = pf.BlueShift

	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to set pixel format: %w", err)
	}
	return nil
}

func (c *VNCClient) sendSetEncodings() error {
	encodings := []int32{encodingRaw, encodingDesktopSize}

	msg := make([]byte, 4+4*len(encodings))
	msg[0] = msgSetEncodings
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(encodings)))
	for i, enc := range encodings {
		binary.BigEndian.PutUint32(msg[4+4*i:], uint32(enc))
	}

	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to set encodings: %w", err)
	}
	return nil
}

func (c *VNCClient) requestUpdateLocked(incremental bool) error {
	w, h := c.fb.size()

	msg := make([]byte, 10)
	msg[0] = msgFramebufferUpdateRequest
	if incremental {
		msg[1] = 1
	}
	binary.BigEndian.PutUint16(msg[6:8], uint16(w))
	binary.BigEndian.PutUint16(msg[8:10], uint16(h))

	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to request update: %w", err)
	}
	return nil
}

// readUpdateLocked reads one server message. It returns whether the
// framebuffer changed. A read timeout waiting for the first byte means
// no new data and is not an error; any failure after that is, because
// abandoning a message mid-stream loses framing.
func (c *VNCClient) readUpdateLocked() (bool, error) {
	var head [1]byte
	c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	if _, err := io.ReadFull(c.conn, head[:]); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, nil
		}
		return false, fmt.Errorf("failed to read server message: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(messageTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	switch head[0] {
	case msgFramebufferUpdate:
		return c.readFramebufferUpdateLocked()

	case msgBell:
		return false, nil

	case msgServerCutText:
		var hdr [7]byte // 3 bytes padding + 4 bytes length
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			return false, fmt.Errorf("failed to read cut-text header: %w", err)
		}
		n := binary.BigEndian.Uint32(hdr[3:7])
		if _, err := io.CopyN(io.Discard, c.conn, int64(n)); err != nil {
			return false, fmt.Errorf("failed to skip cut text: %w", err)
		}
		return false, nil

	case msgSetColourMapEntries:
		var hdr [5]byte // 1 byte padding + first colour + count
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			return false, fmt.Errorf("failed to read colour-map header: %w", err)
		}
		n := binary.BigEndian.Uint16(hdr[3:5])
		if _, err := io.CopyN(io.Discard, c.conn, int64(n)*6); err != nil {
			return false, fmt.Errorf("failed to skip colour map: %w", err)
		}
		return false, nil

	default:
		return false, fmt.Errorf("unexpected server message type %d", head[0])
	}
}

func (c *VNCClient) readFramebufferUpdateLocked() (bool, error) {
	var hdr [3]byte // 1 byte padding + rectangle count
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return false, fmt.Errorf("failed to read update header: %w", err)
	}
	numRects := int(binary.BigEndian.Uint16(hdr[1:3]))

	updated := false
	for i := 0; i < numRects; i++ {
		var rect [12]byte
		if _, err := io.ReadFull(c.conn, rect[:]); err != nil {
			return updated, fmt.Errorf("failed to read rectangle header: %w", err)
		}
		x := int(binary.BigEndian.Uint16(rect[0:2]))
		y := int(binary.BigEndian.Uint16(rect[2:4]))
		w := int(binary.BigEndian.Uint16(rect[4:6]))
		h := int(binary.BigEndian.Uint16(rect[6:8]))
		enc := int32(binary.BigEndian.Uint32(rect[8:12]))

		switch enc {
		case encodingRaw:
			data := make([]byte, w*h*4)
			if _, err := io.ReadFull(c.conn, data); err != nil {
				return updated, fmt.Errorf("failed to read raw rectangle: %w", err)
			}
			c.fb.growFor(x, y, w, h)
			c.fb.blitRaw(x, y, w, h, data)
			updated = true

		case encodingDesktopSize:
			c.fb.resize(w, h)
			c.log.Info("desktop resized", zap.Int("width", w), zap.Int("height", h))
			updated = true

		case encodingCopyRect:
			// Not negotiated, but its payload size is known: skip it
			// to keep framing.
			if _, err := io.CopyN(io.Discard, c.conn, 4); err != nil {
				return updated, fmt.Errorf("failed to skip copyrect: %w", err)
			}
			c.log.Warn("skipping unsupported encoding", zap.Int32("encoding", enc))

		default:
			// Payload size unknown; the stream cannot be trusted
			// past this point.
			return updated, fmt.Errorf("unsupported encoding %d, stream framing lost", enc)
		}
	}

	return updated, nil
}

// CaptureFrame runs one incremental update cycle and returns the
// framebuffer as a JPEG, rescaled to the target resolution when it
// differs from the native size. If the cycle produced no new data, or
// failed transiently, the previous frame is returned unchanged; once a
// frame has been captured the result is never empty. The returned
// slice is shared and must not be modified.
func (c *VNCClient) CaptureFrame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.conn == nil {
		if c.lastFrame != nil {
			return c.lastFrame, nil
		}
		return nil, ErrNotConnected
	}

	updated, err := c.updateCycleLocked()
	if err != nil {
		c.log.Warn("update cycle failed", zap.Error(err))
		c.disconnectLocked()
		if c.lastFrame != nil {
			return c.lastFrame, nil
		}
		return nil, err
	}

	if !updated && c.lastFrame != nil {
		return c.lastFrame, nil
	}

	frame, err := c.encodeLocked()
	if err != nil {
		if c.lastFrame != nil {
			return c.lastFrame, nil
		}
		return nil, fmt.Errorf("frame encode failed: %w", err)
	}

	c.lastFrame = frame
	c.lastFrameAt = time.Now()
	return frame, nil
}

// CaptureFrameRaw runs one incremental update cycle and returns a copy
// of the framebuffer's raw RGBA pixels (width*height*4 bytes) along
// with its dimensions.
func (c *VNCClient) CaptureFrameRaw(ctx context.Context) (pix []byte, w, h int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	if c.fb == nil {
		return nil, 0, 0, ErrNotConnected
	}

	if c.conn != nil {
		if _, err := c.updateCycleLocked(); err != nil {
			c.log.Warn("update cycle failed", zap.Error(err))
			c.disconnectLocked()
		}
	}

	w, h = c.fb.size()
	return c.fb.rawPixels(), w, h, nil
}

func (c *VNCClient) updateCycleLocked() (bool, error) {
	if err := c.requestUpdateLocked(true); err != nil {
		return false, err
	}
	return c.readUpdateLocked()
}

func (c *VNCClient) encodeLocked() ([]byte, error) {
	var img image.Image = c.fb.snapshot()

	b := img.Bounds()
	if c.TargetWidth > 0 && c.TargetHeight > 0 &&
		(b.Dx() != c.TargetWidth || b.Dy() != c.TargetHeight) {
		dst := image.NewRGBA(image.Rect(0, 0, c.TargetWidth, c.TargetHeight))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
		img = dst
	}

	quality := c.JPEGQuality
	if quality <= 0 {
		quality = 80
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetFrameCallback registers the function the streaming loop delivers
// encoded frames to. The callback runs on the streaming goroutine and
// should return quickly.
func (c *VNCClient) SetFrameCallback(cb func(frame []byte)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.frameCB = cb
}

func (c *VNCClient) frameCallback() func([]byte) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return c.frameCB
}

// StartStreaming starts a goroutine that captures frames at the
// configured rate and delivers them to the frame callback. The loop
// self-corrects for capture time so it does not drift, and stops
// cleanly when the connection dies or StopStreaming is called.
func (c *VNCClient) StartStreaming(ctx context.Context) error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	if c.streamDone != nil {
		return ErrAlreadyStreaming
	}
	if c.State() != StateActive {
		return ErrNotConnected
	}

	// Prime with a full framebuffer request so the first cycle sees
	// the whole desktop.
	c.mu.Lock()
	if c.conn != nil {
		if err := c.requestUpdateLocked(false); err != nil {
			c.log.Warn("initial full update request failed", zap.Error(err))
		}
	}
	c.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.streamCancel = cancel
	c.streamDone = done

	go c.streamLoop(sctx, done)
	return nil
}

func (c *VNCClient) streamLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	fps := c.FPS
	if fps <= 0 {
		fps = 30
	}
	interval := time.Second / time.Duration(fps)

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()

		frame, err := c.CaptureFrame(ctx)
		if c.State() == StateDisconnected {
			c.log.Info("streaming stopped: connection closed")
			return
		}
		if err != nil {
			c.log.Warn("stream capture error", zap.Error(err))
		} else if cb := c.frameCallback(); cb != nil {
			cb(frame)
		}

		if sleepCtx(ctx, interval-time.Since(start)) != nil {
			return
		}
	}
}

// StopStreaming cancels the streaming loop and waits for it to exit.
// Cancellation is observed within one frame interval. Idempotent.
func (c *VNCClient) StopStreaming() {
	c.streamMu.Lock()
	cancel, done := c.streamCancel, c.streamDone
	c.streamCancel, c.streamDone = nil, nil
	c.streamMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops streaming and closes the connection. Idempotent.
func (c *VNCClient) Close() error {
	c.StopStreaming()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
	return nil
}

func (c *VNCClient) disconnectLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setState(StateDisconnected)
}
