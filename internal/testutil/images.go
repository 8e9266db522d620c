package testutil

import (
	"encoding/binary"
)

// PNG returns a minimal PNG header with an IHDR chunk for w x h.
func PNG(w, h uint32) []byte {
	buf := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	buf = binary.BigEndian.AppendUint32(buf, 13)
	buf = append(buf, "IHDR"...)
	buf = binary.BigEndian.AppendUint32(buf, w)
	buf = binary.BigEndian.AppendUint32(buf, h)
	buf = append(buf, 8, 6, 0, 0, 0)
	// CRC is not checked by the sniffer.
	return append(buf, 0, 0, 0, 0)
}

// JPEG returns SOI, an APP0 segment and a single SOF0 segment for w x h.
func JPEG(w, h uint16) []byte {
	buf := []byte{0xFF, 0xD8}
	buf = append(buf, 0xFF, 0xE0, 0x00, 0x10)
	buf = append(buf, "JFIF\x00"...)
	buf = append(buf, 1, 1, 0, 0, 1, 0, 1, 0, 0)
	buf = append(buf, 0xFF, 0xC0, 0x00, 0x11, 0x08)
	buf = binary.BigEndian.AppendUint16(buf, h)
	buf = binary.BigEndian.AppendUint16(buf, w)
	buf = append(buf, 3, 1, 0x22, 0, 2, 0x11, 1, 3, 0x11, 1)
	return append(buf, 0xFF, 0xD9)
}

// GIF returns a GIF89a logical screen descriptor for w x h, padded with an
// empty global colour table.
func GIF(w, h uint16) []byte {
	buf := []byte("GIF89a")
	buf = binary.LittleEndian.AppendUint16(buf, w)
	buf = binary.LittleEndian.AppendUint16(buf, h)
	buf = append(buf, 0x80, 0, 0)
	buf = append(buf, make([]byte, 6)...)
	buf = append(buf, 0x3B)
	return append(buf, make([]byte, 8)...)
}

// WebPVP8 returns a lossy WebP container whose frame header stores rawW and
// rawH in its 14-bit size fields.
func WebPVP8(rawW, rawH uint16) []byte {
	buf := []byte("RIFF")
	buf = binary.LittleEndian.AppendUint32(buf, 22)
	buf = append(buf, "WEBP"...)
	buf = append(buf, "VP8 "...)
	buf = binary.LittleEndian.AppendUint32(buf, 10)
	buf = append(buf, 0x30, 0x01, 0x00)
	buf = append(buf, 0x9d, 0x01, 0x2a)
	buf = binary.LittleEndian.AppendUint16(buf, rawW)
	buf = binary.LittleEndian.AppendUint16(buf, rawH)
	return buf
}

// WebPLossless returns a VP8L container, which the sniffer does not parse.
func WebPLossless() []byte {
	buf := []byte("RIFF")
	buf = binary.LittleEndian.AppendUint32(buf, 22)
	buf = append(buf, "WEBP"...)
	buf = append(buf, "VP8L"...)
	buf = binary.LittleEndian.AppendUint32(buf, 10)
	return append(buf, make([]byte, 14)...)
}

// AVIF returns an ftyp box followed by an ispe property for w x h.
func AVIF(w, h uint32) []byte {
	buf := binary.BigEndian.AppendUint32(nil, 20)
	buf = append(buf, "ftyp"...)
	buf = append(buf, "avif"...)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = append(buf, "mif1"...)
	buf = binary.BigEndian.AppendUint32(buf, 20)
	buf = append(buf, "ispe"...)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, w)
	return binary.BigEndian.AppendUint32(buf, h)
}

// AVIFWithoutExtents returns an AVIF ftyp box with no ispe property.
func AVIFWithoutExtents() []byte {
	buf := binary.BigEndian.AppendUint32(nil, 20)
	buf = append(buf, "ftyp"...)
	buf = append(buf, "avif"...)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = append(buf, "mif1"...)
	return append(buf, make([]byte, 16)...)
}
