package protocol

import "time"

// Wire-level byte values (distilled spec §3, §6.2).
const (
	ACK byte = 0x06
	NAK byte = 0x15
	NUL byte = 0x00
)

// Flash geometry. Fixed per build.
const (
	FlashSize  = 262144
	SectorSize = 4096
	NumSectors = FlashSize / SectorSize
)

// Retry and timeout budgets (distilled spec §3).
const (
	NumRetries      = 2
	NormalTimeout   = 2000 * time.Millisecond
	ExtendedTimeout = 10000 * time.Millisecond
)

// MaxNAKMessage bounds how many bytes of a device-sent NAK payload are
// read before giving up on a terminator (distilled spec §3, §4.3.4).
const MaxNAKMessage = 256

// DefaultBaudRate is the serial line speed the driver opens the port at
// (distilled spec §3: 115200 8-N-1).
const DefaultBaudRate = 115200

// BootstrapMessage is the device's repeated post-reset broadcast
// (distilled spec §4.3.1, §6.2).
const BootstrapMessage = "WAITING"

// Commands (distilled spec §6.2).
const (
	CmdProgramSector = "PROGRAMSECTOR"
	CmdEraseChip     = "ERASECHIP"
	CmdDone          = "DONE"
)

// ConfirmPrompt is the device-initiated erase confirmation prompt
// (distilled spec §4.5, §6.2).
const ConfirmPrompt = "CONFIRM?"
