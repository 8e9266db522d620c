package imagesize_test

import (
	"testing"

	"github.com/dharsanguruparan/foliosync/internal/imagesize"
	"github.com/dharsanguruparan/foliosync/internal/testutil"
)

func TestSniffKnownFormats(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		format imagesize.Format
		w, h   int
	}{
		{"png", testutil.PNG(800, 600), imagesize.PNG, 800, 600},
		{"png large", testutil.PNG(12000, 9000), imagesize.PNG, 12000, 9000},
		{"jpeg sof0", testutil.JPEG(1920, 1080), imagesize.JPEG, 1920, 1080},
		{"gif", testutil.GIF(320, 240), imagesize.GIF, 320, 240},
		{"webp vp8 applies mask and bias", testutil.WebPVP8(799, 0xC000|599), imagesize.WebP, 800, 600},
		{"avif ispe", testutil.AVIF(4032, 3024), imagesize.AVIF, 4032, 3024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := imagesize.Sniff(tt.data)
			if !ok {
				t.Fatalf("Sniff() ok = false, want true")
			}
			if info.Format != tt.format || info.Width != tt.w || info.Height != tt.h {
				t.Fatalf("Sniff() = %+v, want %s %dx%d", info, tt.format, tt.w, tt.h)
			}
		})
	}
}

func TestSniffJPEGSkipsImplausibleFrame(t *testing.T) {
	// A bogus SOF with a zero height precedes the real frame header.
	data := []byte{0xFF, 0xD8}
	data = append(data, 0xFF, 0xC1, 0x00, 0x08, 0x08, 0x00, 0x00, 0x00, 0x10, 0x00)
	data = append(data, testutil.JPEG(640, 480)[2:]...)

	info, ok := imagesize.Sniff(data)
	if !ok || info.Width != 640 || info.Height != 480 {
		t.Fatalf("Sniff() = %+v, %v; want 640x480", info, ok)
	}
}

func TestSniffRejectsMalformedInput(t *testing.T) {
	truncatedJPEG := testutil.JPEG(100, 100)[:24]
	corruptJPEG := append([]byte{0xFF, 0xD8, 0x12, 0x34}, make([]byte, 30)...)
	zeroPNG := testutil.PNG(0, 600)
	jpegNoFrame := append([]byte{0xFF, 0xD8, 0xFF, 0xDA, 0x00, 0x04, 0, 0}, make([]byte, 24)...)
	badWebPStart := testutil.WebPVP8(100, 100)
	badWebPStart[24] = 0

	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"short png", testutil.PNG(800, 600)[:20]},
		{"short gif", testutil.GIF(10, 10)[:12]},
		{"garbage", []byte("this is definitely not an image file")},
		{"truncated jpeg", truncatedJPEG},
		{"corrupt jpeg", corruptJPEG},
		{"jpeg without frame", jpegNoFrame},
		{"zero png", zeroPNG},
		{"webp lossless unsupported", testutil.WebPLossless()},
		{"webp missing start code", badWebPStart},
		{"avif without ispe", testutil.AVIFWithoutExtents()},
		{"avif implausible", testutil.AVIF(60000, 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if info, ok := imagesize.Sniff(tt.data); ok {
				t.Fatalf("Sniff() = %+v, want not ok", info)
			}
		})
	}
}

func TestSniffNeverPanicsOnPrefixes(t *testing.T) {
	samples := [][]byte{
		testutil.PNG(10, 10),
		testutil.JPEG(10, 10),
		testutil.GIF(10, 10),
		testutil.WebPVP8(10, 10),
		testutil.AVIF(10, 10),
	}
	for _, s := range samples {
		for n := 0; n <= len(s); n++ {
			imagesize.Sniff(s[:n])
		}
	}
}

func TestDetectFormat(t *testing.T) {
	if got := imagesize.DetectFormat(testutil.WebPLossless()); got != imagesize.WebP {
		t.Errorf("DetectFormat(VP8L) = %q, want webp", got)
	}
	if got := imagesize.DetectFormat(testutil.AVIFWithoutExtents()); got != imagesize.AVIF {
		t.Errorf("DetectFormat(avif) = %q, want avif", got)
	}
	if got := imagesize.DetectFormat([]byte("hello")); got != imagesize.Unknown {
		t.Errorf("DetectFormat(text) = %q, want unknown", got)
	}
}

func TestEstimateAspect(t *testing.T) {
	if got := imagesize.EstimateAspect(10 << 10); got != 1 {
		t.Errorf("EstimateAspect(small) = %v, want 1", got)
	}
	if got := imagesize.EstimateAspect(5 << 20); got != 16.0/9.0 {
		t.Errorf("EstimateAspect(large) = %v, want 16/9", got)
	}
	if !imagesize.Estimable(imagesize.AVIF) || imagesize.Estimable(imagesize.PNG) {
		t.Error("Estimable should only accept webp and avif")
	}
}
