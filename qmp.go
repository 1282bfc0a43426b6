package emuctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// QMP is a client for the QEMU Machine Protocol control socket:
// newline-delimited JSON over TCP.
//
// Commands are serialized: the wire protocol is used without request
// ids, so at most one Execute is in flight per connection and
// asynchronous event lines arriving between a command and its reply are
// read and discarded (optionally forwarded to an event callback).
type QMP struct {
	addr string
	log  *zap.Logger

	// RetryAttempts and RetryDelay bound Connect's retry loop on
	// connection-refused. Defaults: 5 attempts, 1 second apart.
	RetryAttempts int
	RetryDelay    time.Duration

	// DialTimeout bounds a single connection attempt. Default 5s.
	DialTimeout time.Duration

	// CommandTimeout bounds one Execute round trip. Default 30s.
	CommandTimeout time.Duration

	// Timing holds the input-pacing delays used by the input
	// primitives. These are timing contracts of the emulated input
	// devices; tune with care.
	Timing InputTiming

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	onEvent func(*Event)
}

// Event represents an asynchronous QMP event.
type Event struct {
	Name      string
	Data      map[string]any
	Timestamp time.Time
}

// QMP message types
type qmpCommand struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type qmpResponse struct {
	Return    json.RawMessage `json:"return,omitempty"`
	Error     *qmpError       `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Timestamp *qmpTimestamp   `json:"timestamp,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type qmpTimestamp struct {
	Seconds      int64 `json:"seconds"`
	Microseconds int64 `json:"microseconds"`
}

// QMPError is returned when QEMU reports a command error.
type QMPError struct {
	Class       string
	Description string
}

func (e *QMPError) Error() string {
	return fmt.Sprintf("QMP error [%s]: %s", e.Class, e.Description)
}

// NewQMP creates a QMP client for the given host:port address.
// Call Connect before issuing commands.
func NewQMP(addr string) *QMP {
	return &QMP{
		addr:           addr,
		log:            zap.NewNop(),
		RetryAttempts:  5,
		RetryDelay:     time.Second,
		DialTimeout:    5 * time.Second,
		CommandTimeout: 30 * time.Second,
		Timing:         DefaultInputTiming(),
	}
}

// SetLogger sets the structured logger. The default is a no-op logger.
func (q *QMP) SetLogger(log *zap.Logger) {
	if log != nil {
		q.log = log
	}
}

// SetEventCallback sets a callback invoked for asynchronous events
// observed while waiting for command replies. The callback runs on the
// goroutine executing the command and must not call back into the
// client.
func (q *QMP) SetEventCallback(cb func(*Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onEvent = cb
}

// Connect dials the control socket, reads the QMP greeting and
// negotiates capabilities. Connection-refused is retried with a fixed
// delay and a bounded attempt count; any other failure aborts
// immediately.
func (q *QMP) Connect(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++

		dialer := &net.Dialer{Timeout: q.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", q.addr)
		if err != nil {
			if errors.Is(err, syscall.ECONNREFUSED) {
				q.log.Debug("QMP connection refused, will retry",
					zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}

		if err := q.handshake(ctx, conn); err != nil {
			conn.Close()
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(q.RetryDelay), uint64(q.RetryAttempts-1)),
		ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("QMP connect failed: %w", err)
	}

	q.log.Info("QMP connected", zap.String("addr", q.addr))
	return nil
}

// handshake reads the greeting line and enters command mode.
func (q *QMP) handshake(ctx context.Context, conn net.Conn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn != nil {
		return fmt.Errorf("already connected")
	}

	reader := bufio.NewReader(conn)

	conn.SetDeadline(time.Now().Add(q.CommandTimeout))
	defer conn.SetDeadline(time.Time{})

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("failed to read QMP greeting: %w", err)
	}

	var greeting struct {
		QMP struct {
			Version struct {
				Qemu struct {
					Major int `json:"major"`
					Minor int `json:"minor"`
					Micro int `json:"micro"`
				} `json:"qemu"`
			} `json:"version"`
			Capabilities []string `json:"capabilities"`
		} `json:"QMP"`
	}
	if err := json.Unmarshal(line, &greeting); err != nil {
		return fmt.Errorf("failed to parse QMP greeting: %w", err)
	}

	q.conn = conn
	q.reader = reader

	if _, err := q.executeLocked(ctx, "qmp_capabilities", nil); err != nil {
		q.conn = nil
		q.reader = nil
		return fmt.Errorf("capabilities negotiation failed: %w", err)
	}

	q.log.Debug("QMP greeting",
		zap.Int("major", greeting.QMP.Version.Qemu.Major),
		zap.Int("minor", greeting.QMP.Version.Qemu.Minor))
	return nil
}

// Execute sends a QMP command and waits for its reply. Event lines
// received in between are discarded (and forwarded to the event
// callback, if set). An error-tagged reply is returned as *QMPError.
func (q *QMP) Execute(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executeLocked(ctx, command, args)
}

func (q *QMP) executeLocked(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	if q.conn == nil {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(q.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	q.conn.SetDeadline(deadline)
	defer q.conn.SetDeadline(time.Time{})

	cmd := qmpCommand{Execute: command, Arguments: args}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	if _, err := q.conn.Write(append(data, '\n')); err != nil {
		q.closeLocked()
		return nil, fmt.Errorf("failed to write command: %w", err)
	}

	for {
		line, err := q.reader.ReadBytes('\n')
		if err != nil {
			q.closeLocked()
			return nil, fmt.Errorf("failed to read reply: %w", err)
		}

		var resp qmpResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			q.log.Warn("discarding malformed QMP line", zap.Error(err))
			continue
		}

		if resp.Event != "" {
			q.dispatchEvent(&resp)
			continue
		}

		if resp.Error != nil {
			return nil, &QMPError{Class: resp.Error.Class, Description: resp.Error.Desc}
		}
		return resp.Return, nil
	}
}

func (q *QMP) dispatchEvent(resp *qmpResponse) {
	ev := &Event{Name: resp.Event, Data: resp.Data}
	if resp.Timestamp != nil {
		ev.Timestamp = time.Unix(resp.Timestamp.Seconds, resp.Timestamp.Microseconds*1000)
	} else {
		ev.Timestamp = time.Now()
	}

	q.log.Debug("QMP event", zap.String("event", ev.Name))
	if q.onEvent != nil {
		q.onEvent(ev)
	}
}

// IsConnected reports whether the client holds a live connection.
func (q *QMP) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.conn != nil
}

// Close closes the connection. Idempotent.
func (q *QMP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeLocked()
}

func (q *QMP) closeLocked() error {
	if q.conn == nil {
		return nil
	}
	err := q.conn.Close()
	q.conn = nil
	q.reader = nil
	q.log.Info("QMP disconnected", zap.String("addr", q.addr))
	return err
}

// QueryStatus returns the VM run state as reported by query-status.
func (q *QMP) QueryStatus(ctx context.Context) (status string, running bool, err error) {
	result, err := q.Execute(ctx, "query-status", nil)
	if err != nil {
		return "", false, err
	}

	var st struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
	}
	if err := json.Unmarshal(result, &st); err != nil {
		return "", false, fmt.Errorf("failed to parse status: %w", err)
	}
	return st.Status, st.Running, nil
}

// Pause pauses guest execution ("stop" in QMP terms).
func (q *QMP) Pause(ctx context.Context) error {
	_, err := q.Execute(ctx, "stop", nil)
	return err
}

// Continue resumes a paused guest.
func (q *QMP) Continue(ctx context.Context) error {
	_, err := q.Execute(ctx, "cont", nil)
	return err
}

// SystemPowerdown sends an ACPI power button event to the guest.
func (q *QMP) SystemPowerdown(ctx context.Context) error {
	_, err := q.Execute(ctx, "system_powerdown", nil)
	return err
}

// SystemReset performs a hard reset of the guest.
func (q *QMP) SystemReset(ctx context.Context) error {
	_, err := q.Execute(ctx, "system_reset", nil)
	return err
}

// Quit asks QEMU to exit immediately. The connection is closed
// afterwards; QEMU may disconnect before replying, which is not an
// error.
func (q *QMP) Quit(ctx context.Context) error {
	_, err := q.Execute(ctx, "quit", nil)
	q.Close()
	if err != nil {
		var qerr *QMPError
		if errors.As(err, &qerr) {
			return err
		}
		// Transport errors here just mean QEMU left first
		return nil
	}
	return nil
}
