package protocol

// EncodeSectorIndex splits a sector index into its two little-endian wire
// bytes.
//
// The retrieved SST39SF-programmer firmware reconstructs the index with a
// full 8-bit shift (getAndValidateSectorIndex in program_sector.cpp:
// sectorIndexBytes[1]<<8 | sectorIndexBytes[0]), not the 4-bit shift some
// historical copies of this driver are rumored to use. This implementation
// matches that firmware.
func EncodeSectorIndex(index uint16) [2]byte {
	return [2]byte{byte(index), byte(index >> 8)}
}

// DecodeSectorIndex reconstructs a sector index from its two little-endian
// wire bytes. Inverse of EncodeSectorIndex.
func DecodeSectorIndex(b [2]byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
