package qrp

import "strings"

// hashMultiplier is the golden-ratio constant of the QRP hash function.
const hashMultiplier = 0x4F1BBCDC

// Hash maps keyword to a cell of a table with 2^bits cells. It is case
// insensitive.
func Hash(keyword string, bits uint) uint32 {
	var xor uint32
	var shift uint
	for _, r := range strings.ToLower(keyword) {
		xor ^= uint32(byte(r)) << shift
		shift = (shift + 8) % 32
	}
	return (xor * hashMultiplier) >> (32 - bits)
}
