// Package driver selects an operating mode, drives the bootstrap handshake,
// dispatches to the mode-specific component, and owns process-exit cleanup
// (distilled spec §2, §4.8).
package driver

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/flashtools/sst39sf-driver/internal/binwrite"
	"github.com/flashtools/sst39sf-driver/internal/erase"
	"github.com/flashtools/sst39sf-driver/internal/flasherr"
	"github.com/flashtools/sst39sf-driver/internal/plan"
	"github.com/flashtools/sst39sf-driver/internal/protocol"
	"github.com/flashtools/sst39sf-driver/internal/sector"
	"github.com/flashtools/sst39sf-driver/internal/serial"
	"github.com/flashtools/sst39sf-driver/internal/transcript"
)

// TranscriptFileName is the fixed, fresh-per-run byte transcript path
// (distilled spec §6.4).
const TranscriptFileName = "ArduinoDriver.log"

// Driver owns the serial link and transcript for one run and dispatches to
// exactly one of the three operating modes.
type Driver struct {
	Port string
	Baud int
	Log  *logrus.Logger

	link *serial.Link
	tlog *transcript.Log
	prot *protocol.Protocol
}

// New returns a Driver bound to port at baud. log must not be nil.
func New(port string, baud int, log *logrus.Logger) *Driver {
	return &Driver{Port: port, Baud: baud, Log: log}
}

// open acquires the transcript and serial link and runs Bootstrap, leaving
// the Driver ready to dispatch. Every mode entry point calls this before any
// device traffic; RunProgram calls it only once the plan has been built.
func (d *Driver) open() error {
	tlog, err := transcript.Open(TranscriptFileName)
	if err != nil {
		return err
	}
	d.tlog = tlog

	link, err := serial.Open(d.Port, d.Baud, tlog)
	if err != nil {
		tlog.Close()
		return err
	}
	d.link = link
	d.prot = protocol.New(link)

	d.Log.Infof("bootstrapping on %s @ %d baud", d.Port, d.Baud)
	if err := d.prot.Bootstrap(); err != nil {
		d.cleanup()
		return err
	}
	d.Log.Info("bootstrap complete")
	return nil
}

// cleanup runs CleanupForExit on the link, which also closes the
// transcript. It is safe to call multiple times.
func (d *Driver) cleanup() {
	if d.link == nil {
		return
	}
	if err := d.link.CleanupForExit(); err != nil {
		d.Log.Warnf("cleanup: %v", err)
	}
	d.link = nil
}

// finish sends the DONE command and runs cleanup, matching the distilled
// spec's every-mode epilogue.
func (d *Driver) finish() error {
	defer d.cleanup()
	if err := d.prot.SendCommand(protocol.CmdDone); err != nil {
		return err
	}
	d.Log.Info("done")
	return nil
}

// RunWrite executes BinaryWriter mode (distilled spec §4.6).
func (d *Driver) RunWrite(path string) error {
	if err := d.open(); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		d.cleanup()
		return flasherr.Wrap(flasherr.Argument, err, "open binary image %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		d.cleanup()
		return flasherr.Wrap(flasherr.Argument, err, "stat %s", path)
	}

	totalSectors := int((info.Size() + protocol.SectorSize - 1) / protocol.SectorSize)
	bar := newProgressBar("Writing", totalSectors)
	w := binwrite.New(d.prot, func(written, total int) {
		bar.Set(written)
		d.Log.Infof("sector %d/%d written", written, total)
	})

	if err := w.Write(f, info.Size()); err != nil {
		d.cleanup()
		return err
	}
	bar.Finish()

	return d.finish()
}

// RunProgram executes PlanBuilder + SectorProgrammer mode (distilled spec
// §4.7).
func (d *Driver) RunProgram(instructionPath string, allowOverlap bool) error {
	builder := plan.New(allowOverlap, d.Log)
	p, err := builder.Build(instructionPath)
	if err != nil {
		return err
	}
	d.Log.Infof("plan built: %d sectors", len(p))

	if err := d.open(); err != nil {
		return err
	}

	prog := sector.New(d.prot)
	indices := p.SortedIndices()
	bar := newProgressBar("Programming", len(indices))

	for _, index := range indices {
		image := p[index]
		if err := prog.Program(index, image[:]); err != nil {
			d.cleanup()
			return err
		}
		bar.Add(1)
		d.Log.Infof("sector %d programmed", index)
	}
	bar.Finish()

	return d.finish()
}

// RunErase executes ChipEraser mode (distilled spec §4.5). skipConfirm
// bypasses the local console prompt (ambient CLI convenience; the
// protocol-level ACK/NAK handshake with the device still happens).
func (d *Driver) RunErase(skipConfirm bool) error {
	if err := d.open(); err != nil {
		return err
	}

	answer := ""
	if skipConfirm {
		answer = "y\n"
	}

	e := erase.New(d.prot, &autoReader{fallback: os.Stdin, preset: answer}, os.Stdout)
	confirmed, err := e.Erase()
	if err != nil {
		d.cleanup()
		return err
	}

	if !confirmed {
		d.Log.Info("erase declined by operator")
		d.cleanup()
		return nil
	}

	d.Log.Info("chip erased")
	return d.finish()
}

// autoReader serves preset once, then falls back to fallback; it lets
// --yes short-circuit the interactive y/n prompt without restructuring
// erase.Eraser's io.Reader-based confirmation loop.
type autoReader struct {
	fallback io.Reader
	preset   string
	served   bool
}

func (a *autoReader) Read(p []byte) (int, error) {
	if !a.served && a.preset != "" {
		a.served = true
		n := copy(p, a.preset)
		return n, nil
	}
	return a.fallback.Read(p)
}

func newProgressBar(label string, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// PrintFailure writes a human-readable diagnostic for err to standard
// output (distilled spec §7 propagation policy: Driver is the boundary
// that formats and reports).
func PrintFailure(err error) {
	fmt.Printf("error: %v\n", err)
}
