package files

import (
	"fmt"
	"mime"

	"github.com/dustin/go-humanize"
)

// MaxUploadSize is the upload size limit in bytes (5 MiB).
const MaxUploadSize int64 = 5 * 1024 * 1024

// contentTypes maps accepted content types to their classification.
var contentTypes = map[string]FileType{
	"text/plain":       TypeTxt,
	"image/jpeg":       TypeJpg,
	"image/png":        TypePng,
	"application/json": TypeJson,
}

// Validate classifies a candidate upload by its declared content type and
// checks it against the size limit. It is a pure function: no content is
// inspected beyond the declared type and byte count.
func Validate(contentType string, size int64) (FileType, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	fileType, ok := contentTypes[mediaType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mediaType)
	}

	if size > MaxUploadSize {
		return "", fmt.Errorf("%w: %s exceeds the %s limit",
			ErrTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(MaxUploadSize)))
	}

	return fileType, nil
}
