// Package erase implements the ERASECHIP exchange: command, a
// device-initiated confirmation prompt relayed to the operator, then an
// ACK/NAK on the operator's decision.
package erase

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/flashtools/sst39sf-driver/internal/flasherr"
	"github.com/flashtools/sst39sf-driver/internal/protocol"
)

// confirmPrompt is the exact ASCII+NUL sequence the device sends once
// ERASECHIP is ACKed (distilled spec §4.5 step 2).
const confirmPrompt = protocol.ConfirmPrompt + "\x00"

// Eraser drives the ERASECHIP exchange over a Protocol.
type Eraser struct {
	proto  *protocol.Protocol
	prompt io.Reader
	out    io.Writer
}

// New binds an Eraser to proto. prompt is read for the operator's y/n
// decision and out receives the re-prompt text; pass os.Stdin and os.Stdout
// in production.
func New(proto *protocol.Protocol, prompt io.Reader, out io.Writer) *Eraser {
	return &Eraser{proto: proto, prompt: prompt, out: out}
}

// Erase runs the whole-chip erase exchange (distilled spec §4.5). It
// returns (confirmed, err): confirmed is false when the operator declined,
// which is not an error.
func (e *Eraser) Erase() (confirmed bool, err error) {
	if err := e.proto.SendCommand(protocol.CmdEraseChip); err != nil {
		return false, err
	}

	link := e.proto.Link()
	got := make([]byte, len(confirmPrompt))
	if err := link.ReadExact(got); err != nil {
		return false, err
	}
	if string(got) != confirmPrompt {
		return false, flasherr.New(flasherr.UnexpectedResponse, "erase: expected confirm prompt %q, got % X", confirmPrompt, got)
	}

	yes, err := e.askOperator()
	if err != nil {
		return false, err
	}

	if !yes {
		return false, link.Write([]byte{protocol.NAK})
	}

	if err := link.Write([]byte{protocol.ACK}); err != nil {
		return false, err
	}
	if err := e.proto.WaitForCompletion("chip erase", false); err != nil {
		return false, err
	}
	return true, nil
}

// askOperator prompts on the local console, accepting only case-insensitive
// y or n and re-prompting on anything else (distilled spec §4.5 step 3).
func (e *Eraser) askOperator() (bool, error) {
	r := bufio.NewReader(e.prompt)
	for {
		fmt.Fprint(e.out, "Erase entire chip? [y/n] ")
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return false, flasherr.Wrap(flasherr.IO, err, "erase: reading operator confirmation")
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		switch answer {
		case "y":
			return true, nil
		case "n":
			return false, nil
		}
	}
}
