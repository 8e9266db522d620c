// Package imagesize reads pixel dimensions straight from the header bytes of
// common image containers without decoding the image.
package imagesize

import (
	"bytes"
	"encoding/binary"
)

// Format names a container recognised by its magic bytes.
type Format string

const (
	Unknown Format = ""
	JPEG    Format = "jpeg"
	PNG     Format = "png"
	GIF     Format = "gif"
	WebP    Format = "webp"
	AVIF    Format = "avif"
)

// Info is the result of a successful sniff.
type Info struct {
	Format Format
	Width  int
	Height int
}

// Aspect returns width divided by height.
func (i Info) Aspect() float64 {
	return float64(i.Width) / float64(i.Height)
}

const (
	// minHeaderLen is the shortest input any supported parser will look at.
	minHeaderLen = 24

	maxJPEGDim = 20000
	maxAVIFDim = 50000
)

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
	gifMagic  = []byte("GIF")
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
	ftypMagic = []byte("ftyp")
	ispeMagic = []byte("ispe")
	vp8Chunk  = []byte("VP8 ")
	vp8Start  = []byte{0x9d, 0x01, 0x2a}
)

// DetectFormat classifies data by magic bytes only.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return JPEG
	case bytes.HasPrefix(data, pngMagic):
		return PNG
	case bytes.HasPrefix(data, gifMagic):
		return GIF
	case len(data) >= 12 && bytes.Equal(data[0:4], riffMagic) && bytes.Equal(data[8:12], webpMagic):
		return WebP
	case len(data) >= 12 && bytes.Equal(data[4:8], ftypMagic) && isAVIFBrand(data[8:12]):
		return AVIF
	}
	return Unknown
}

func isAVIFBrand(brand []byte) bool {
	return bytes.Equal(brand, []byte("avif")) || bytes.Equal(brand, []byte("avis"))
}

// Sniff returns the dimensions encoded in data. The boolean is false when
// the format is unknown, unsupported, truncated or the values are not
// plausible; callers treat that as "dimensions unknown, try later".
func Sniff(data []byte) (Info, bool) {
	if len(data) < minHeaderLen {
		return Info{}, false
	}
	var (
		w, h int
		ok   bool
	)
	format := DetectFormat(data)
	switch format {
	case JPEG:
		w, h, ok = jpegSize(data)
	case PNG:
		w, h, ok = pngSize(data)
	case GIF:
		w, h, ok = gifSize(data)
	case WebP:
		w, h, ok = webpSize(data)
	case AVIF:
		w, h, ok = avifSize(data)
	}
	if !ok || w <= 0 || h <= 0 {
		return Info{}, false
	}
	return Info{Format: format, Width: w, Height: h}, true
}

// IHDR is always the first chunk, so width and height sit at fixed offsets.
func pngSize(data []byte) (int, int, bool) {
	w := binary.BigEndian.Uint32(data[16:20])
	h := binary.BigEndian.Uint32(data[20:24])
	if w == 0 || h == 0 || w > 1<<30 || h > 1<<30 {
		return 0, 0, false
	}
	return int(w), int(h), true
}

func gifSize(data []byte) (int, int, bool) {
	w := binary.LittleEndian.Uint16(data[6:8])
	h := binary.LittleEndian.Uint16(data[8:10])
	return int(w), int(h), w > 0 && h > 0
}

func isSOF(marker byte) bool {
	switch {
	case marker >= 0xC0 && marker <= 0xC3,
		marker >= 0xC5 && marker <= 0xC7,
		marker >= 0xC9 && marker <= 0xCB,
		marker >= 0xCD && marker <= 0xCF:
		return true
	}
	return false
}

// jpegSize walks the marker segments after SOI until it finds a Start Of
// Frame with plausible dimensions.
func jpegSize(data []byte) (int, int, bool) {
	i := 2
	for i+3 < len(data) {
		if data[i] != 0xFF {
			return 0, 0, false
		}
		marker := data[i+1]
		switch {
		case marker == 0xFF:
			// fill byte
			i++
			continue
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD8):
			// standalone markers carry no length
			i += 2
			continue
		case marker == 0xD9 || marker == 0xDA:
			// end of image or start of scan: no frame header ahead
			return 0, 0, false
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 {
			return 0, 0, false
		}
		if isSOF(marker) && i+9 <= len(data) {
			h := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			w := int(binary.BigEndian.Uint16(data[i+7 : i+9]))
			if w > 0 && h > 0 && w < maxJPEGDim && h < maxJPEGDim {
				return w, h, true
			}
		}
		i += 2 + segLen
	}
	return 0, 0, false
}

// webpSize handles the simple lossy (VP8) layout only. VP8L and VP8X are
// reported as unsupported rather than guessed.
func webpSize(data []byte) (int, int, bool) {
	if len(data) < 30 || !bytes.Equal(data[12:16], vp8Chunk) {
		return 0, 0, false
	}
	if !bytes.Equal(data[23:26], vp8Start) {
		return 0, 0, false
	}
	w := int(binary.LittleEndian.Uint16(data[26:28])&0x3FFF) + 1
	h := int(binary.LittleEndian.Uint16(data[28:30])&0x3FFF) + 1
	return w, h, true
}

// avifSize looks for an image spatial extents box. The two big-endian
// fields start 8 bytes after the box type (past version and flags).
func avifSize(data []byte) (int, int, bool) {
	from := 0
	for {
		idx := bytes.Index(data[from:], ispeMagic)
		if idx < 0 {
			return 0, 0, false
		}
		at := from + idx
		if at+16 > len(data) {
			return 0, 0, false
		}
		w := binary.BigEndian.Uint32(data[at+8 : at+12])
		h := binary.BigEndian.Uint32(data[at+12 : at+16])
		if w > 0 && h > 0 && w < maxAVIFDim && h < maxAVIFDim {
			return int(w), int(h), true
		}
		from = at + len(ispeMagic)
	}
}
