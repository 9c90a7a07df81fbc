package imgutil

import (
	"bytes"
	"encoding/binary"
)

var exifHeader = []byte("Exif\x00\x00")

// ExifSegment 找出 JPEG 中的 APP1 Exif 段（含 marker 和长度），没有返回 nil
func ExifSegment(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil
	}
	for i := 2; i+4 <= len(data); {
		if data[i] != 0xFF {
			return nil
		}
		marker := data[i+1]
		// SOS 之后是压缩数据
		if marker == 0xDA || marker == 0xD9 {
			return nil
		}
		n := int(binary.BigEndian.Uint16(data[i+2:]))
		end := i + 2 + n
		if n < 2 || end > len(data) {
			return nil
		}
		if marker == 0xE1 && bytes.HasPrefix(data[i+4:end], exifHeader) {
			return data[i:end]
		}
		i = end
	}
	return nil
}
