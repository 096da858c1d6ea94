package models

import "fmt"

// MediaType identifies the kind of media a generation request produces.
// Image and video jobs have independent concurrency ceilings and timeout
// budgets per token.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// ParseMediaType validates a wire-level media type string.
func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(s) {
	case MediaImage, MediaVideo:
		return MediaType(s), nil
	default:
		return "", fmt.Errorf("unknown media type %q", s)
	}
}

// Extension returns the file extension used for cached media of this type.
func (m MediaType) Extension() string {
	if m == MediaVideo {
		return ".mp4"
	}
	return ".jpg"
}

// ContentType returns the MIME type used when storing cached media.
func (m MediaType) ContentType() string {
	if m == MediaVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}
