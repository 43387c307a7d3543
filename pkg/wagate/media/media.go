// Package media normalizes attachments for the gateway: it resolves a file
// reference of unknown shape (local path, remote URL, inline base64) into a
// single Media value and keeps short-lived uploads on disk until they expire.
package media

import (
	"errors"
	"fmt"
)

// MediaType categorizes media by how the backend delivers it.
type MediaType string

const (
	MediaTypeImage    MediaType = "image"
	MediaTypeVideo    MediaType = "video"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeDocument MediaType = "document"
)

// Media is a normalized attachment ready to hand to a backend.
// It is produced per send call and never persisted.
type Media struct {
	// MimeType is always set.
	MimeType string

	// Data is the raw payload.
	Data []byte

	// Filename is used by backends that show a name (documents).
	Filename string

	// Caption is the optional text shown with the media.
	Caption string
}

// Type returns the delivery category of the media.
func (m *Media) Type() MediaType {
	return CategorizeType(m.MimeType)
}

// Size returns the payload length in bytes.
func (m *Media) Size() int {
	return len(m.Data)
}

// ErrTooLarge is wrapped by a ResolutionError when a payload exceeds the
// configured maximum size.
var ErrTooLarge = errors.New("payload exceeds maximum size")

// ErrPathNotAllowed is wrapped by a ResolutionError when a local path lies
// outside the resolver's allowed directories.
var ErrPathNotAllowed = errors.New("local path is outside the allowed directories")

// MissingTypeError is returned when an inline payload arrives without a
// declared MIME type.
type MissingTypeError struct{}

func (e *MissingTypeError) Error() string {
	return "media: a MIME type is required for inline (base64) attachments"
}

// ResolutionError reports a failure to read, fetch or decode an attachment.
type ResolutionError struct {
	Source    SourceKind
	Reference string
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.Source == SourceInline {
		// Inline references are the payload itself; keep it out of logs.
		return fmt.Sprintf("media: resolving inline attachment: %v", e.Err)
	}
	return fmt.Sprintf("media: resolving %s attachment %q: %v", e.Source, e.Reference, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
