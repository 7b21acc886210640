package frame

import "hash/crc32"

// ieeeTable is the reflected-form IEEE 802.3 polynomial (0xEDB88320), the
// same table hash/crc32.IEEE uses. Computed once at package init.
var ieeeTable = crc32.MakeTable(crc32.IEEE)

// ChecksumPlaintext computes the CRC32/IEEE integrity tag over a plaintext
// payload. Only meaningful when encryption is disabled — under AEAD the
// header's IntegrityTag field is subsumed by the authentication tag and this
// function is not used.
func ChecksumPlaintext(payload []byte) uint32 {
	return crc32.Checksum(payload, ieeeTable)
}
