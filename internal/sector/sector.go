// Package sector implements the PROGRAMSECTOR exchange: command, index
// echo-verify, body echo-verify, then a completion wait. Retries happen at
// the sub-exchange level (index, then body), independently of one another,
// each bounded by protocol.NumRetries.
package sector

import (
	"bytes"

	"github.com/flashtools/sst39sf-driver/internal/flasherr"
	"github.com/flashtools/sst39sf-driver/internal/protocol"
)

// Size is the fixed length every sector image must have before it reaches
// Program. Padding policy belongs to the caller (BinaryWriter, PlanBuilder);
// Program refuses to guess.
const Size = protocol.SectorSize

// Programmer drives PROGRAMSECTOR exchanges over a Protocol.
type Programmer struct {
	proto *protocol.Protocol
}

// New binds a Programmer to proto.
func New(proto *protocol.Protocol) *Programmer {
	return &Programmer{proto: proto}
}

// Program writes image to the sector at index, following distilled spec
// §4.4: command, index echo-verify, body echo-verify, completion wait.
// image must be exactly Size bytes.
func (p *Programmer) Program(index uint16, image []byte) error {
	if len(image) != Size {
		return flasherr.New(flasherr.InternalInvariantViolated,
			"sector.Program: image is %d bytes, want %d", len(image), Size)
	}

	if err := p.proto.SendCommand(protocol.CmdProgramSector); err != nil {
		return err
	}

	if err := p.exchangeIndex(index); err != nil {
		return err
	}

	if err := p.exchangeBody(image); err != nil {
		return err
	}

	return p.proto.WaitForCompletion("sector programming", true)
}

// exchangeIndex sends the sector index and retries the echo-verify on
// mismatch, up to protocol.NumRetries times (distilled spec §4.4 steps 2-3).
func (p *Programmer) exchangeIndex(index uint16) error {
	link := p.proto.Link()
	wire := protocol.EncodeSectorIndex(index)

	for attempt := 0; attempt <= protocol.NumRetries; attempt++ {
		p.proto.SetState(protocol.AwaitingACK)
		if err := link.Write(wire[:]); err != nil {
			return err
		}

		ack, err := link.ReadByte()
		if err != nil {
			return err
		}
		switch ack {
		case protocol.ACK:
			// continue to echo verification
		case protocol.NAK:
			return flasherr.New(flasherr.DeviceReportedError, "sector index %d: device NAKed, cannot retry this index", index)
		default:
			return flasherr.New(flasherr.UnexpectedResponse, "sector index %d: got byte 0x%02X after sending index", index, ack)
		}

		p.proto.SetState(protocol.AwaitingEcho)
		var echo [2]byte
		if err := link.ReadExact(echo[:]); err != nil {
			return err
		}

		if protocol.DecodeSectorIndex(echo) == index {
			if err := link.Write([]byte{protocol.ACK}); err != nil {
				return err
			}
			return nil
		}

		if err := link.Write([]byte{protocol.NAK}); err != nil {
			return err
		}
		// retry: resend the index and echo exchange
	}

	return flasherr.New(flasherr.RetriesExhausted, "sector index %d: echo mismatch exhausted %d retries", index, protocol.NumRetries)
}

// exchangeBody sends the sector body and retries the echo-verify on
// mismatch, up to protocol.NumRetries times (distilled spec §4.4 steps 4-5).
func (p *Programmer) exchangeBody(image []byte) error {
	link := p.proto.Link()

	for attempt := 0; attempt <= protocol.NumRetries; attempt++ {
		p.proto.SetState(protocol.AwaitingEcho)
		if err := link.Write(image); err != nil {
			return err
		}

		echo := make([]byte, Size)
		if err := link.ReadExact(echo); err != nil {
			return err
		}

		if bytes.Equal(echo, image) {
			return link.Write([]byte{protocol.ACK})
		}

		if err := link.Write([]byte{protocol.NAK}); err != nil {
			return err
		}
		// retry: resend the whole body
	}

	return flasherr.New(flasherr.RetriesExhausted, "sector body: echo mismatch exhausted %d retries", protocol.NumRetries)
}
