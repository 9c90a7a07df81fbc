package convert

import (
	"encoding/binary"
)

// withExif 把 Exif 段插到 SOI 之后；输出里已经有 JFIF APP0 的话放在它后面
func withExif(jpg, seg []byte) []byte {
	if len(seg) == 0 || len(jpg) < 2 {
		return jpg
	}
	at := 2
	if len(jpg) >= 6 && jpg[2] == 0xFF && jpg[3] == 0xE0 {
		at = 4 + int(binary.BigEndian.Uint16(jpg[4:]))
		if at > len(jpg) {
			at = 2
		}
	}
	out := make([]byte, 0, len(jpg)+len(seg))
	out = append(out, jpg[:at]...)
	out = append(out, seg...)
	return append(out, jpg[at:]...)
}
