package sector

import (
	"testing"
	"time"

	"github.com/flashtools/sst39sf-driver/internal/flasherr"
	"github.com/flashtools/sst39sf-driver/internal/protocol"
)

// mockTransport is a byte-queue stand-in for protocol.Transport, used the
// same way the protocol package's own mock is: pre-load exactly the bytes a
// simulated device would send.
type mockTransport struct {
	queue  []byte
	writes [][]byte
}

func (m *mockTransport) Write(data []byte) error {
	cp := append([]byte(nil), data...)
	m.writes = append(m.writes, cp)
	return nil
}

func (m *mockTransport) WriteNulTerminated(text string) error {
	return m.Write(append([]byte(text), 0x00))
}

func (m *mockTransport) ReadByte() (byte, error) {
	if len(m.queue) == 0 {
		return 0, flasherr.New(flasherr.Timeout, "mockTransport: queue exhausted")
	}
	b := m.queue[0]
	m.queue = m.queue[1:]
	return b, nil
}

func (m *mockTransport) ReadExact(buf []byte) error {
	for i := range buf {
		b, err := m.ReadByte()
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

func (m *mockTransport) PushReadTimeout(d time.Duration) (func(), error) {
	return func() {}, nil
}

func (m *mockTransport) DiscardInputBuffer(exiting bool) error { return nil }

func fullSector(fill byte) []byte {
	img := make([]byte, Size)
	for i := range img {
		img[i] = fill
	}
	return img
}

// happyPathQueue builds the peer byte stream for scenario S3: command ACK,
// index ACK + correct echo, matching body echo, final completion ACK. The
// host's own ACKs of each echo are writes, not part of this queue.
func happyPathQueue(index uint16, image []byte) []byte {
	wire := protocol.EncodeSectorIndex(index)
	q := []byte{protocol.ACK}     // ack of PROGRAMSECTOR
	q = append(q, protocol.ACK)   // ack after host sends index
	q = append(q, wire[:]...)     // echoed index
	q = append(q, image...)       // echoed body
	q = append(q, protocol.ACK)   // completion ACK
	return q
}

func TestProgram_HappyPath(t *testing.T) {
	image := fullSector(0xAB)
	m := &mockTransport{queue: happyPathQueue(5, image)}
	p := New(protocol.New(m))

	if err := p.Program(5, image); err != nil {
		t.Fatalf("Program: %v", err)
	}

	// writes: command, index, ack-of-echo, body, ack-of-body-echo
	if len(m.writes) != 5 {
		t.Fatalf("wrote %d frames, want 5: %v", len(m.writes), m.writes)
	}
	if string(m.writes[0]) != "PROGRAMSECTOR\x00" {
		t.Errorf("writes[0] = %q, want command", m.writes[0])
	}
}

func TestProgram_RejectsWrongSize(t *testing.T) {
	m := &mockTransport{}
	p := New(protocol.New(m))

	err := p.Program(0, []byte{0x01, 0x02})
	if !flasherr.Is(err, flasherr.InternalInvariantViolated) {
		t.Fatalf("Program err = %v, want InternalInvariantViolated", err)
	}
}

func TestProgram_IndexNAKAborts(t *testing.T) {
	m := &mockTransport{queue: []byte{protocol.ACK, protocol.NAK}}
	p := New(protocol.New(m))

	err := p.Program(0, fullSector(0x00))
	if !flasherr.Is(err, flasherr.DeviceReportedError) {
		t.Fatalf("Program err = %v, want DeviceReportedError", err)
	}
}

// TestProgram_EchoMismatchRecovery covers distilled spec §8 property 6: a
// wrong index echo on the first attempt, correct on the second, must
// succeed transparently with exactly one host-sent NAK.
func TestProgram_EchoMismatchRecovery(t *testing.T) {
	index := uint16(5)
	wire := protocol.EncodeSectorIndex(index)
	wrongEcho := protocol.EncodeSectorIndex(index + 1)
	image := fullSector(0x11)

	q := []byte{protocol.ACK} // command ack
	q = append(q, protocol.ACK)
	q = append(q, wrongEcho[:]...) // first attempt: wrong echo
	q = append(q, protocol.ACK)
	q = append(q, wire[:]...) // second attempt: correct echo
	q = append(q, image...)   // body echoes correctly
	q = append(q, protocol.ACK)

	m := &mockTransport{queue: q}
	p := New(protocol.New(m))

	if err := p.Program(index, image); err != nil {
		t.Fatalf("Program: %v", err)
	}

	nakCount := 0
	for _, w := range m.writes {
		if len(w) == 1 && w[0] == protocol.NAK {
			nakCount++
		}
	}
	if nakCount != 1 {
		t.Fatalf("host sent %d NAKs, want exactly 1", nakCount)
	}
}

func TestProgram_BodyMismatchRetriesThenSucceeds(t *testing.T) {
	index := uint16(0)
	wire := protocol.EncodeSectorIndex(index)
	image := fullSector(0x22)
	wrongEcho := fullSector(0x99)

	q := []byte{protocol.ACK}
	q = append(q, protocol.ACK)
	q = append(q, wire[:]...)
	q = append(q, wrongEcho...) // first body echo: wrong
	q = append(q, image...)     // second body echo: correct
	q = append(q, protocol.ACK)

	m := &mockTransport{queue: q}
	p := New(protocol.New(m))

	if err := p.Program(index, image); err != nil {
		t.Fatalf("Program: %v", err)
	}
}

func TestProgram_BodyMismatchExhaustsRetries(t *testing.T) {
	index := uint16(0)
	wire := protocol.EncodeSectorIndex(index)
	image := fullSector(0x22)
	wrongEcho := fullSector(0x99)

	q := []byte{protocol.ACK}
	q = append(q, protocol.ACK)
	q = append(q, wire[:]...)
	for i := 0; i <= protocol.NumRetries; i++ {
		q = append(q, wrongEcho...)
	}

	m := &mockTransport{queue: q}
	p := New(protocol.New(m))

	err := p.Program(index, image)
	if !flasherr.Is(err, flasherr.RetriesExhausted) {
		t.Fatalf("Program err = %v, want RetriesExhausted", err)
	}
}
