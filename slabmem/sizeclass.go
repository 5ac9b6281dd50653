/*
 * Copyright (c) 2026, Blackwell Systems. All rights reserved.
 */
package slabmem

// classSizes is the immutable, process-wide size-class table (spec.md
// §4.1). Requests are rounded up to the smallest containing class; a
// request larger than the last entry fails with ErrRequestTooLarge.
var classSizes = [...]int64{64, 96, 128, 192, 256, 384, 512, 768}

const (
	numClasses  = 8
	maxClassByt = 768
)

// size2class is a branch-free lookup table covering every size 0..768
// inclusive, mapping a request size directly to its class index. It costs
// 769 bytes resident (one byte per size), comfortably inside L1, and turns
// size-class lookup into a single bounds-checked array read with no
// comparisons against classSizes at call time.
var size2class [maxClassByt + 1]uint8

func init() {
	ci := 0
	for sz := int64(0); sz < int64(len(size2class)); sz++ {
		for classSizes[ci] < sz {
			ci++
		}
		size2class[sz] = uint8(ci)
	}
}

// classOf returns the class index and slot size for size, or
// ErrRequestTooLarge if size exceeds the largest class.
func classOf(size int64) (class int, slotSize int64, err error) {
	if size <= 0 {
		size = 1
	}
	if size >= int64(len(size2class)) {
		return 0, 0, ErrRequestTooLarge
	}
	c := size2class[size]
	return int(c), classSizes[c], nil
}

// slotsPerSlab returns how many slots of slotSize fit in a slab of
// pageBytes, reserving room for the slabHeader and its trailing bitmap.
func slotsPerSlab(slotSize, pageBytes int64) int {
	usable := pageBytes - slabHeaderBytes
	if usable <= 0 {
		return 0
	}
	// Each slot also costs ~1 bit of bitmap; solve n*slotSize + ceil(n/8) <= usable
	// conservatively by reserving one bitmap word (8 bytes) per 64 slots up front.
	n := usable / slotSize
	for n > 0 {
		bitmapBytes := int64(((n + 63) / 64) * 8)
		if n*slotSize+bitmapBytes <= usable {
			break
		}
		n--
	}
	return int(n)
}
