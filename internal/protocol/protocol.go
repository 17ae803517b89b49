// Package protocol implements the request/response state machine that
// governs every exchange with the device: the bootstrap handshake,
// NUL-terminated command frames with ACK/NAK retry, and the extended wait
// for a long-running device operation to complete.
package protocol

import (
	"time"

	"github.com/flashtools/sst39sf-driver/internal/flasherr"
)

// SessionState is the protocol's current expected phase (distilled spec
// §3). Mutations happen from a single thread; there is no concurrent
// access to guard against.
type SessionState int

const (
	Uninitialized SessionState = iota
	Bootstrapping
	Idle
	AwaitingACK
	AwaitingEcho
	AwaitingCompletion
	Terminated
)

func (s SessionState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Bootstrapping:
		return "Bootstrapping"
	case Idle:
		return "Idle"
	case AwaitingACK:
		return "AwaitingACK"
	case AwaitingEcho:
		return "AwaitingEcho"
	case AwaitingCompletion:
		return "AwaitingCompletion"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Transport is the minimal serial surface Protocol depends on. *serial.Link
// satisfies it in production; tests use a byte-buffer stand-in.
type Transport interface {
	Write(data []byte) error
	WriteNulTerminated(text string) error
	ReadByte() (byte, error)
	ReadExact(buf []byte) error
	PushReadTimeout(d time.Duration) (func(), error)
	DiscardInputBuffer(exiting bool) error
}

// Protocol drives the bootstrap handshake and every command exchange over
// a link. It is not safe for concurrent use; the wire protocol it
// implements is inherently single-threaded (distilled spec §5).
type Protocol struct {
	link  Transport
	state SessionState
}

// New creates a Protocol bound to link, in the Uninitialized state.
func New(l Transport) *Protocol {
	return &Protocol{link: l, state: Uninitialized}
}

// State returns the protocol's current SessionState.
func (p *Protocol) State() SessionState {
	return p.state
}

// Bootstrap completes the initial handshake with the device, leaving it in
// Idle (distilled spec §4.3.1).
//
// The device transmits WAITING\0 once per second until it receives an ACK.
// Bytes before the first 'W' are collected only for the diagnostic on
// failure; from the first 'W', bytes accumulate into the candidate buffer
// until it reaches the expected length, the prelude reaches the expected
// length with no 'W' ever seen, or a NUL arrives.
func (p *Protocol) Bootstrap() error {
	p.state = Bootstrapping

	time.Sleep(1000 * time.Millisecond)
	if err := p.link.DiscardInputBuffer(false); err != nil {
		return err
	}

	g, err := p.link.PushReadTimeout(NormalTimeout)
	if err != nil {
		return err
	}
	defer g()

	expected := len(BootstrapMessage) + 1 // +1 for NUL terminator

	var prelude []byte
	var candidate []byte
	sawW := false

	for {
		b, err := p.link.ReadByte()
		if err != nil {
			return flasherr.Wrap(flasherr.Timeout, err, "bootstrap: waiting for %q broadcast", BootstrapMessage)
		}

		if !sawW {
			if b == BootstrapMessage[0] {
				sawW = true
				candidate = append(candidate, b)
			} else {
				prelude = append(prelude, b)
			}
		} else {
			candidate = append(candidate, b)
		}

		if len(candidate) == expected {
			break
		}
		if !sawW && len(prelude) == expected {
			break
		}
		if b == NUL {
			break
		}
	}

	want := BootstrapMessage + "\x00"
	if string(candidate) != want {
		return flasherr.New(flasherr.UnexpectedResponse,
			"bootstrap: expected %q, got prelude=% X candidate=% X", want, prelude, candidate)
	}

	if err := p.link.Write([]byte{ACK}); err != nil {
		return err
	}

	// Absorb any overlapping repeat broadcast the device may have already
	// queued before it saw our ACK.
	time.Sleep(50 * time.Millisecond)
	if err := p.link.DiscardInputBuffer(false); err != nil {
		return err
	}

	p.state = Idle
	return nil
}

// SendCommand sends message as a NUL-terminated ASCII command and waits
// for its ACK, retrying on NAK up to NumRetries times (distilled spec
// §4.3.2).
func (p *Protocol) SendCommand(message string) error {
	p.state = AwaitingACK

	g, err := p.link.PushReadTimeout(NormalTimeout)
	if err != nil {
		return err
	}
	defer g()

	for attempt := 0; attempt <= NumRetries; attempt++ {
		if err := p.link.WriteNulTerminated(message); err != nil {
			return err
		}

		b, err := p.link.ReadByte()
		if err != nil {
			return err // Timeout is unrecoverable: fail fast.
		}

		switch b {
		case ACK:
			p.state = Idle
			return nil
		case NAK:
			if _, err := ReadNAKPayload(p.link); err != nil {
				return err
			}
			continue
		default:
			return flasherr.New(flasherr.UnexpectedResponse, "sendCommand(%s): got byte 0x%02X", message, b)
		}
	}

	return flasherr.New(flasherr.RetriesExhausted, "sendCommand(%s): exhausted %d retries", message, NumRetries)
}

// WaitForCompletion waits for a terminal ACK after a long-running device
// operation (distilled spec §4.3.3). operationLabel names the operation
// for diagnostics only.
func (p *Protocol) WaitForCompletion(operationLabel string, extended bool) error {
	p.state = AwaitingCompletion

	timeout := NormalTimeout
	if extended {
		timeout = ExtendedTimeout
	}

	g, err := p.link.PushReadTimeout(timeout)
	if err != nil {
		return err
	}
	defer g()

	b, err := p.link.ReadByte()
	if err != nil {
		return err
	}

	switch b {
	case ACK:
		p.state = Idle
		return nil
	case NAK:
		msg, err := ReadNAKPayload(p.link)
		if err != nil {
			return err
		}
		return flasherr.New(flasherr.DeviceReportedError, "%s: device reported: %s", operationLabel, msg)
	default:
		return flasherr.New(flasherr.UnexpectedResponse, "%s: got byte 0x%02X while awaiting completion", operationLabel, b)
	}
}

// Link exposes the underlying link for components (SectorProgrammer,
// ChipEraser) that need raw byte-level access beyond SendCommand /
// WaitForCompletion while still routing every exchange through the same
// Protocol instance's session state.
func (p *Protocol) Link() Transport {
	return p.link
}

// SetState allows a component driving a multi-step exchange (sector
// programming, chip erase) to record the sub-phase it is in.
func (p *Protocol) SetState(s SessionState) {
	p.state = s
}

// ReadNAKPayload reads the NUL-terminated ASCII diagnostic string that
// follows a NAK byte, capped at MaxNAKMessage bytes (distilled spec
// §4.3.4).
func ReadNAKPayload(l Transport) (string, error) {
	var msg []byte
	for len(msg) < MaxNAKMessage {
		b, err := readByte(l)
		if err != nil {
			return "", err
		}
		if b == NUL {
			break
		}
		msg = append(msg, b)
	}
	return string(msg), nil
}

// readByte exists only to give ReadNAKPayload a single-byte read against
// the link interface without re-declaring ReadByte on it twice.
func readByte(l Transport) (byte, error) {
	return l.ReadByte()
}
