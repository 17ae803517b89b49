// Package binwrite implements the straight binary-image write mode: a
// single file streamed into flash starting at address 0, sector by sector,
// in ascending order (distilled spec §4.6).
package binwrite

import (
	"io"

	"github.com/flashtools/sst39sf-driver/internal/flasherr"
	"github.com/flashtools/sst39sf-driver/internal/protocol"
	"github.com/flashtools/sst39sf-driver/internal/sector"
)

// ProgressFunc reports sectors written so far out of total, mirroring the
// progress-callback shape used elsewhere in this corpus for long-running
// device operations.
type ProgressFunc func(written, total int)

// Writer streams a binary image into flash through a sector.Programmer.
type Writer struct {
	prog     *sector.Programmer
	progress ProgressFunc
}

// New binds a Writer to proto. progress may be nil.
func New(proto *protocol.Protocol, progress ProgressFunc) *Writer {
	return &Writer{prog: sector.New(proto), progress: progress}
}

// Write streams size bytes read from r, starting at sector 0, rejecting
// oversized images before any device traffic (distilled spec §4.6).
func (w *Writer) Write(r io.Reader, size int64) error {
	if size > protocol.FlashSize {
		return flasherr.New(flasherr.InvalidPlan, "binary image is %d bytes, exceeds flash size %d", size, protocol.FlashSize)
	}

	total := int((size + protocol.SectorSize - 1) / protocol.SectorSize)

	for index := 0; ; index++ {
		buf := make([]byte, sector.Size)
		n, err := io.ReadFull(r, buf)
		if n == 0 && err != nil {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return flasherr.Wrap(flasherr.IO, err, "reading sector %d of binary image", index)
		}
		// buf is already zero-filled beyond n by make(); no extra padding needed.

		if err := w.prog.Program(uint16(index), buf); err != nil {
			return err
		}
		if w.progress != nil {
			w.progress(index+1, total)
		}

		if n < sector.Size {
			break // last, partial sector: EOF reached
		}
	}

	return nil
}
