// Copyright (c) Kristal Tools & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

// checkSumOffset returns the file offset of the optional header CheckSum.
func (img *Image) checkSumOffset() int {
	return img.optionalHeaderOffset + offsetOptionalHeaderCheckSum
}

// ComputeCheckSum returns the image checksum as computed by the loader, with
// the stored CheckSum field read as zero.
func (img *Image) ComputeCheckSum() uint32 {
	return computeCheckSum(img.data, img.checkSumOffset())
}

// CheckSum returns the checksum stored in the optional header.
func (img *Image) CheckSum() uint32 {
	return img.checkSum()
}

func computeCheckSum(data []byte, skip int) uint32 {
	byteAt := func(i int) uint64 {
		if i >= skip && i < skip+4 {
			return 0
		}
		return uint64(data[i])
	}

	var sum uint64
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += byteAt(i) | byteAt(i+1)<<8
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	if len(data)%2 != 0 {
		sum += byteAt(len(data) - 1)
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	sum = (sum & 0xFFFF) + (sum >> 16)

	return uint32(sum) + uint32(len(data))
}
