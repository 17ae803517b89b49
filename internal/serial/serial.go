// Package serial wraps a byte-oriented serial port with the blocking
// read/write primitives, timeout-stack discipline, and transcript hooks
// the protocol layer depends on.
package serial

import (
	"io"
	"time"

	gobugst "go.bug.st/serial"

	"github.com/flashtools/sst39sf-driver/internal/flasherr"
	"github.com/flashtools/sst39sf-driver/internal/transcript"
)

// defaultInitialTimeout is set immediately after opening the port, before
// any protocol-level timeout has been configured. It only needs to be
// short enough that the bootstrap handshake can configure its own timeout
// promptly; the value itself carries no protocol meaning.
const defaultInitialTimeout = time.Second

// transport is the minimal surface Link depends on, satisfied by
// go.bug.st/serial.Port in production and by a byte-buffer stand-in in
// tests.
type transport interface {
	io.Reader
	io.Writer
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Link wraps a serial port, mirroring every successful read and write to a
// transcript.Log and enforcing LIFO timeout-stack discipline.
type Link struct {
	port     transport
	log      *transcript.Log
	timeouts []time.Duration
	current  time.Duration
}

// Open acquires the named serial port at the given baud rate, 8-N-1.
func Open(portName string, baud int, log *transcript.Log) (*Link, error) {
	mode := &gobugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   gobugst.NoParity,
		StopBits: gobugst.OneStopBit,
	}

	port, err := gobugst.Open(portName, mode)
	if err != nil {
		return nil, flasherr.Wrap(flasherr.PortUnavailable, err, "open serial port %s", portName)
	}

	l := &Link{port: port, log: log, current: defaultInitialTimeout}
	if err := port.SetReadTimeout(l.current); err != nil {
		port.Close()
		return nil, flasherr.Wrap(flasherr.IO, err, "set initial read timeout on %s", portName)
	}

	return l, nil
}

// Close releases the underlying port. It does not touch the transcript.
// CleanupForExit closes both the transcript and the port itself.
func (l *Link) Close() error {
	return l.port.Close()
}

// Write writes all bytes synchronously.
func (l *Link) Write(data []byte) error {
	if _, err := l.port.Write(data); err != nil {
		return flasherr.Wrap(flasherr.IO, err, "write %d bytes", len(data))
	}
	l.log.LogSent(data)
	return nil
}

// WriteNulTerminated writes the ASCII bytes of text followed by a single
// NUL byte, as required by every command frame in the wire protocol.
func (l *Link) WriteNulTerminated(text string) error {
	return l.Write(append([]byte(text), 0x00))
}

// ReadByte blocks up to the current timeout for a single byte.
func (l *Link) ReadByte() (byte, error) {
	buf := make([]byte, 1)
	if err := l.readExactRaw(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadExact loops internal reads into buf until it is completely filled or
// a timeout fires.
func (l *Link) ReadExact(buf []byte) error {
	return l.readExactRaw(buf)
}

func (l *Link) readExactRaw(buf []byte) error {
	filled := 0
	for filled < len(buf) {
		n, err := l.port.Read(buf[filled:])
		if n > 0 {
			l.log.LogReceived(buf[filled : filled+n])
			filled += n
		}
		if err != nil {
			return flasherr.Wrap(flasherr.IO, err, "read from serial port")
		}
		if n == 0 {
			// go.bug.st/serial returns (0, nil) on read-timeout expiry.
			return flasherr.New(flasherr.Timeout, "read timed out after %s", l.current)
		}
	}
	return nil
}

// SetReadTimeout sets the active read timeout, without affecting the
// timeout stack.
func (l *Link) SetReadTimeout(d time.Duration) error {
	if err := l.port.SetReadTimeout(d); err != nil {
		return flasherr.Wrap(flasherr.IO, err, "set read timeout to %s", d)
	}
	l.current = d
	return nil
}

// PushReadTimeout sets a new read timeout and returns a pop function that
// restores the previous value. Callers must defer pop() on every exit
// path, making the timeout-stack balance invariant (distilled spec §8,
// property 1) structural rather than conventional. pop is idempotent.
func (l *Link) PushReadTimeout(d time.Duration) (func(), error) {
	prev := l.current
	if err := l.SetReadTimeout(d); err != nil {
		return nil, err
	}
	l.timeouts = append(l.timeouts, prev)

	popped := false
	pop := func() {
		if popped {
			return
		}
		popped = true
		if n := len(l.timeouts); n > 0 {
			l.timeouts = l.timeouts[:n-1]
		}
		// Best effort: SetReadTimeout essentially never fails once the
		// port is open, and there is no sensible way to surface an
		// error from a deferred restore.
		l.SetReadTimeout(prev)
	}
	return pop, nil
}

// TimeoutStackDepth reports the number of unpopped PushReadTimeout guards.
// Exposed for tests that check the stack is balanced at exit.
func (l *Link) TimeoutStackDepth() int {
	return len(l.timeouts)
}

// DiscardInputBuffer drains any buffered unread bytes. exiting selects
// which transcript banner is used ("Discarded:" vs "Discarded on exit:").
func (l *Link) DiscardInputBuffer(exiting bool) error {
	discarded := l.drain()
	l.log.LogDiscard(discarded, exiting)
	return nil
}

// drain reads whatever is immediately available without blocking for long,
// by temporarily using a short timeout, and returns the discarded bytes.
func (l *Link) drain() []byte {
	saved := l.current
	l.port.SetReadTimeout(10 * time.Millisecond)
	defer l.port.SetReadTimeout(saved)

	var discarded []byte
	buf := make([]byte, 256)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			discarded = append(discarded, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return discarded
}

// CleanupForExit sleeps briefly to catch in-flight transmissions, discards
// them, then closes the transcript and the port.
func (l *Link) CleanupForExit() error {
	time.Sleep(50 * time.Millisecond)
	l.DiscardInputBuffer(true)

	logErr := l.log.Close()
	closeErr := l.port.Close()
	if closeErr != nil {
		return flasherr.Wrap(flasherr.IO, closeErr, "close serial port")
	}
	return logErr
}

// ListPorts returns the names of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := gobugst.GetPortsList()
	if err != nil {
		return nil, flasherr.Wrap(flasherr.IO, err, "list serial ports")
	}
	return ports, nil
}
