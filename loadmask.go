package sparsejit

// LoadMask returns a word with the low p bits set, for p in [0, 64].
//
// It mirrors the instruction sequence the kernels emit. x86 masks a 64-bit
// shift count to 6 bits, so 1<<64 computed in one shift yields 1 and the
// mask for a full row would come out as 0. Splitting the shift into two
// halves plus the odd bit keeps every count below 64.
func LoadMask(p uint) uint64 {
	t := uint64(1)
	t <<= (p >> 1) & 63
	t <<= (p >> 1) & 63
	t <<= p & 1
	return t - 1
}

// AlignPad returns the number of bytes that advance addr to the next
// multiple of 64, which is 0 when addr is already aligned.
//
// This is the generated form: d = ^addr & 63 is 63 - addr%64, and adding one
// modulo 64 yields (-addr) & 63.
func AlignPad(addr uintptr) int {
	d := ^addr
	d &= streamAlign - 1
	d++
	d &= streamAlign - 1
	return int(d)
}
