package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return log, path
}

func readAll(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestLogSent_FlushesOnFullGroup(t *testing.T) {
	log, path := openTestLog(t)

	log.LogSent([]byte("WAITING\x00")) // exactly 8 bytes
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readAll(t, path)
	if !strings.HasPrefix(got, ">> ") {
		t.Fatalf("expected sent line to start with '>> ', got: %q", got)
	}
	if !strings.Contains(got, "57 41 49 54 49 4E 47 00") {
		t.Errorf("expected hex bytes of WAITING\\0, got: %q", got)
	}
	if !strings.Contains(got, "|WAITING.|") {
		t.Errorf("expected ascii gutter with NUL as '.', got: %q", got)
	}
}

func TestDirectionSwitch_FlushesPendingBuffer(t *testing.T) {
	log, path := openTestLog(t)

	log.LogSent([]byte{0x01, 0x02})   // 2 bytes pending in sent buffer
	log.LogReceived([]byte{0x06})     // switching direction must flush the sent buffer first
	log.Close()

	got := readAll(t, path)
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines (sent then received), got %d: %q", len(lines), got)
	}
	if !strings.HasPrefix(lines[0], ">> ") {
		t.Errorf("line 0 = %q, want sent group first", lines[0])
	}
	if !strings.HasPrefix(lines[1], "<< ") {
		t.Errorf("line 1 = %q, want received group second", lines[1])
	}
}

func TestLogDiscard_Banner(t *testing.T) {
	log, path := openTestLog(t)

	log.LogDiscard([]byte{0xFF, 0xEE}, false)
	log.LogDiscard([]byte{0x01}, true)
	log.Close()

	got := readAll(t, path)
	if !strings.Contains(got, "Discarded:\n") {
		t.Errorf("missing non-exit discard banner, got: %q", got)
	}
	if !strings.Contains(got, "Discarded on exit:\n") {
		t.Errorf("missing exit discard banner, got: %q", got)
	}
	if strings.Count(got, "End discard.") != 2 {
		t.Errorf("expected 2 'End discard.' markers, got: %q", got)
	}
}

// TestFaithfulness checks property #2 of the distilled spec (§8): the
// transcript lines, concatenated in order, reconstruct exactly the byte
// stream in the order observed, and no buffer is ever simultaneously
// non-empty with the other. We assert the latter indirectly: a sent write
// interleaved with a received read never produces an out-of-order line.
func TestFaithfulness_InterleavedTraffic(t *testing.T) {
	log, path := openTestLog(t)

	log.LogSent([]byte("PROGRAMSECTOR"))
	log.LogSent([]byte{0x00})
	log.LogReceived([]byte{0x06})
	log.LogSent([]byte{0x05, 0x00})
	log.LogReceived([]byte{0x06, 0x05, 0x00})
	log.Close()

	got := readAll(t, path)
	lines := strings.Split(strings.TrimSpace(got), "\n")

	// Expect alternating directions exactly where the calls alternated:
	// sent(14 bytes -> 2 groups), recv(1), sent(2), recv(3).
	wantDirs := []string{">> ", ">> ", "<< ", ">> ", "<< "}
	if len(lines) != len(wantDirs) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(wantDirs), got)
	}
	for i, want := range wantDirs {
		if !strings.HasPrefix(lines[i], want) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], want)
		}
	}
}

func TestFlush_PartialGroupPadsHexColumn(t *testing.T) {
	log, path := openTestLog(t)

	log.LogSent([]byte{0x41, 0x42, 0x43})
	if err := log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	log.Close()

	got := readAll(t, path)
	// The 5 missing bytes pad as 5 blank 3-character columns, followed by
	// the two-space gap before the gutter.
	if !strings.Contains(got, "41 42 43"+strings.Repeat(" ", 5*3+2)+"|ABC|") {
		t.Errorf("expected partial hex group padded to full width, got: %q", got)
	}
	if !strings.Contains(got, "|ABC|") {
		t.Errorf("expected ascii gutter ABC, got: %q", got)
	}
}
