package media

import (
	"net/http"
	"path/filepath"
	"strings"
)

// extMimeTypes maps file extensions to the MIME type sent to the backend.
// Content sniffing cannot tell these apart (docx is a zip, csv is text).
var extMimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".wav":  "audio/wav",
	".weba": "audio/webm",
	".mp4":  "video/mp4",
	".3gp":  "video/3gpp",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".zip":  "application/zip",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
}

// DetectMimeType derives a MIME type from the filename extension and the
// content. A known extension wins over a generic sniffing result.
func DetectMimeType(data []byte, filename string) string {
	detected := http.DetectContentType(data)
	byExt, known := extMimeTypes[strings.ToLower(filepath.Ext(filename))]
	if !known {
		return detected
	}

	base := strings.TrimSpace(strings.Split(detected, ";")[0])
	switch base {
	case "application/octet-stream", "application/zip", "text/plain", "text/xml":
		return byExt
	}
	// The bytes describe a different kind of file than the name does.
	if CategorizeType(base) != CategorizeType(byExt) {
		return detected
	}
	return byExt
}

// CategorizeType maps MIME type to MediaType.
func CategorizeType(mimeType string) MediaType {
	// Remove parameters (e.g., "image/jpeg; charset=utf-8")
	mimeType = strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaTypeImage
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaTypeAudio
	case mimeType == "video/ogg":
		// OGG can be audio
		return MediaTypeAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MediaTypeVideo
	default:
		return MediaTypeDocument
	}
}

// extFromMIME returns a file extension for common MIME types.
func extFromMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0]))
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "text/plain":
		return ".txt"
	}
	for ext, m := range extMimeTypes {
		if m == mime && ext != ".jpeg" && ext != ".opus" {
			return ext
		}
	}
	return ""
}
