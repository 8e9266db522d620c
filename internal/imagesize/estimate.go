package imagesize

// EstimateAspect guesses an aspect ratio from the encoded size alone. It is a
// placeholder for formats we cannot parse yet and must always be stored with
// the estimated flag set.
func EstimateAspect(sizeBytes int64) float64 {
	switch {
	case sizeBytes <= 0:
		return 4.0 / 3.0
	case sizeBytes < 200<<10:
		// small files in a portfolio are mostly icons and avatars
		return 1
	case sizeBytes < 2<<20:
		return 4.0 / 3.0
	default:
		return 16.0 / 9.0
	}
}

// Estimable reports whether a failed sniff of format f may fall back to
// EstimateAspect. Only containers whose variants we knowingly skip qualify.
func Estimable(f Format) bool {
	return f == WebP || f == AVIF
}

var contentTypes = map[string]string{
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"jfif":  "image/jpeg",
	"pjpeg": "image/jpeg",
	"pjp":   "image/jpeg",
	"png":   "image/png",
	"gif":   "image/gif",
	"bmp":   "image/bmp",
	"webp":  "image/webp",
	"tiff":  "image/tiff",
	"svg":   "image/svg+xml",
	"avif":  "image/avif",
	"heic":  "image/heic",
	"heif":  "image/heif",
	"ico":   "image/x-icon",
}

// ContentType maps a lower-case extension to its MIME type.
func ContentType(ext string) string {
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
