package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
		want     string
	}{
		{"png by content and name", pngHeader, "test.png", "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "photo.jpg", "image/jpeg"},
		{"pdf", []byte("%PDF-1.4\n"), "report.pdf", "application/pdf"},
		{"docx is a zip", []byte("PK\x03\x04rest"), "letter.docx",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{"markdown is text", []byte("# title\n"), "README.md", "text/markdown"},
		{"mp3 by extension", []byte("ID3"), "song.mp3", "audio/mpeg"},
		{"png named as pdf", pngHeader, "trick.pdf", "image/png"},
		{"unknown extension sniffed", pngHeader, "blob.bin", "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMimeType(tt.data, tt.filename))
		})
	}
}

func TestCategorizeType(t *testing.T) {
	tests := map[string]MediaType{
		"image/png":                MediaTypeImage,
		"image/jpeg; charset=utf8": MediaTypeImage,
		"audio/ogg":                MediaTypeAudio,
		"video/ogg":                MediaTypeAudio,
		"video/mp4":                MediaTypeVideo,
		"application/pdf":          MediaTypeDocument,
		"text/plain":               MediaTypeDocument,
		"":                         MediaTypeDocument,
	}
	for mime, want := range tests {
		assert.Equal(t, want, CategorizeType(mime), mime)
	}
}

func TestExtFromMIME(t *testing.T) {
	assert.Equal(t, ".jpg", extFromMIME("image/jpeg"))
	assert.Equal(t, ".png", extFromMIME("image/png"))
	assert.Equal(t, ".mp3", extFromMIME("audio/mpeg"))
	assert.Equal(t, ".pdf", extFromMIME("application/pdf; q=1"))
	assert.Equal(t, "", extFromMIME("application/x-unknown"))
}
