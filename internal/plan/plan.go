// Package plan parses an instruction file of (address, path) pairs and
// materialises it into a sector-indexed plan of fully zero-filled 4096-byte
// images, detecting address overlap along the way (distilled spec §4.7).
package plan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/flashtools/sst39sf-driver/internal/flasherr"
	"github.com/flashtools/sst39sf-driver/internal/protocol"
)

// Instruction is a parsed (address, path) pair, in the order it appeared in
// the instruction file.
type Instruction struct {
	Address uint32
	Path    string
}

// FileInterval is the half-open byte range [Start, Start+Length) an
// Instruction occupies in the flash address space, used for overlap
// detection only.
type FileInterval struct {
	Start  uint32
	Length uint32
	Path   string
}

// End returns the interval's exclusive upper bound.
func (f FileInterval) End() uint32 {
	return f.Start + f.Length
}

// SectorImage is a fixed-size flash sector buffer, zero-filled on creation.
type SectorImage [protocol.SectorSize]byte

// Plan is the sector-index to SectorImage mapping PlanBuilder produces.
type Plan map[uint16]*SectorImage

// SortedIndices returns the plan's sector indices in ascending order, for
// reproducible iteration.
func (p Plan) SortedIndices() []uint16 {
	indices := make([]uint16, 0, len(p))
	for i := range p {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	return indices
}

// Builder parses an instruction file and produces a Plan. AllowOverlap
// controls whether detected address overlap is fatal or merely logged.
type Builder struct {
	AllowOverlap bool
	Log          *logrus.Logger
}

// New returns a Builder. log may be nil, in which case overlap warnings are
// discarded.
func New(allowOverlap bool, log *logrus.Logger) *Builder {
	return &Builder{AllowOverlap: allowOverlap, Log: log}
}

// Build parses path as an instruction file and materialises its Plan
// (distilled spec §4.7).
func (b *Builder) Build(path string) (Plan, error) {
	instructions, err := parseInstructionFile(path)
	if err != nil {
		return nil, err
	}

	if err := b.checkOverlap(instructions); err != nil {
		return nil, err
	}

	return materialize(instructions)
}

// parseInstructionFile reads one (address, path) pair per line, per the
// grammar in distilled spec §6.3.
func parseInstructionFile(path string) ([]Instruction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, flasherr.Wrap(flasherr.Argument, err, "open instruction file %s", path)
	}
	defer f.Close()

	var instructions []Instruction
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}

		instr, err := parseInstructionLine(line)
		if err != nil {
			if fe, ok := err.(*flasherr.Error); ok {
				// address-out-of-range is a plan-validity problem, not a
				// syntax error; pass its Kind through unchanged.
				return nil, flasherr.Wrap(fe.Kind, err, "%s:%d: %q", path, lineNo, line)
			}
			return nil, flasherr.Wrap(flasherr.Parse, err, "%s:%d: %q", path, lineNo, line)
		}
		instructions = append(instructions, instr)
	}
	if err := scanner.Err(); err != nil {
		return nil, flasherr.Wrap(flasherr.IO, err, "reading instruction file %s", path)
	}

	return instructions, nil
}

// parseInstructionLine parses a single "0x<hex> <path>" line, stripping one
// matching pair of quotes from path if present.
func parseInstructionLine(line string) (Instruction, error) {
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return Instruction{}, fmt.Errorf("missing address/path separator")
	}

	addrToken := line[:sp]
	pathToken := line[sp+1:]

	if !strings.HasPrefix(addrToken, "0x") && !strings.HasPrefix(addrToken, "0X") {
		return Instruction{}, fmt.Errorf("address %q is not 0x-prefixed hex", addrToken)
	}
	addr, err := strconv.ParseUint(addrToken[2:], 16, 32)
	if err != nil {
		return Instruction{}, fmt.Errorf("invalid hex address %q: %w", addrToken, err)
	}
	if addr >= protocol.FlashSize {
		return Instruction{}, flasherr.New(flasherr.InvalidPlan, "address %#x is outside flash size %#x", addr, protocol.FlashSize)
	}

	pathToken = unquote(pathToken)
	if pathToken == "" {
		return Instruction{}, fmt.Errorf("empty path")
	}

	return Instruction{Address: uint32(addr), Path: pathToken}, nil
}

// unquote strips one matching leading/trailing single or double quote pair.
func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// checkOverlap computes each instruction's FileInterval from its file's
// on-disk length, sorts by start address, and scans adjacent pairs
// (distilled spec §4.7 step 2).
func (b *Builder) checkOverlap(instructions []Instruction) error {
	intervals := make([]FileInterval, 0, len(instructions))
	for _, instr := range instructions {
		info, err := os.Stat(instr.Path)
		if err != nil {
			return flasherr.Wrap(flasherr.Argument, err, "stat %s", instr.Path)
		}
		if info.Size() == 0 {
			return flasherr.New(flasherr.InvalidPlan, "%s is empty", instr.Path)
		}
		intervals = append(intervals, FileInterval{
			Start:  instr.Address,
			Length: uint32(info.Size()),
			Path:   instr.Path,
		})
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })

	for i := 1; i < len(intervals); i++ {
		prev, next := intervals[i-1], intervals[i]
		if next.Start < prev.End() {
			if !b.AllowOverlap {
				return flasherr.New(flasherr.OverlapForbidden,
					"%s [%#x,%#x) overlaps %s [%#x,%#x)",
					next.Path, next.Start, next.End(), prev.Path, prev.Start, prev.End())
			}
			if b.Log != nil {
				b.Log.Warnf("overlap: %s [%#x,%#x) overlaps %s [%#x,%#x)",
					next.Path, next.Start, next.End(), prev.Path, prev.Start, prev.End())
			}
		}
	}

	return nil
}

// materialize reads each instruction's file into the sectors it spans, in
// instruction-file order, so later instructions win on overlap (distilled
// spec §4.7 step 3).
func materialize(instructions []Instruction) (Plan, error) {
	p := make(Plan)

	for _, instr := range instructions {
		if err := materializeOne(p, instr); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func materializeOne(p Plan, instr Instruction) error {
	f, err := os.Open(instr.Path)
	if err != nil {
		return flasherr.Wrap(flasherr.Argument, err, "open %s", instr.Path)
	}
	defer f.Close()

	sectorIndex := uint16(instr.Address / protocol.SectorSize)
	offset := int(instr.Address % protocol.SectorSize)

	image := sectorImage(p, sectorIndex)
	n, err := io.ReadFull(f, image[offset:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return flasherr.Wrap(flasherr.IO, err, "reading %s into sector %d", instr.Path, sectorIndex)
	}
	if n < protocol.SectorSize-offset {
		return nil // file exhausted within the first sector
	}

	sectorIndex++
	for {
		var chunk SectorImage
		n, err := io.ReadFull(f, chunk[:])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return flasherr.Wrap(flasherr.IO, err, "reading %s into sector %d", instr.Path, sectorIndex)
		}
		if n == 0 {
			return nil // file ended exactly on a sector boundary
		}
		image := sectorImage(p, sectorIndex)
		copy(image[:n], chunk[:n])
		if n < protocol.SectorSize {
			return nil // file exhausted
		}
		sectorIndex++
	}
}

// sectorImage fetches or creates the zero-filled SectorImage for index.
func sectorImage(p Plan, index uint16) *SectorImage {
	img, ok := p[index]
	if !ok {
		img = &SectorImage{}
		p[index] = img
	}
	return img
}
