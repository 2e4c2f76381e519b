package models

import (
	"path/filepath"
	"strings"
)

var audioContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".webm": "audio/webm",
	".flac": "audio/flac",
}

// AllowedUploadTypes are the Content-Types accepted for an uploaded recording
var AllowedUploadTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/wav":   true,
	"audio/wave":  true,
	"audio/x-wav": true,
	"audio/mp4":   true,
	"audio/m4a":   true,
	"audio/x-m4a": true,
	"audio/ogg":   true,
	"audio/webm":  true,
	"audio/flac":  true,
}

// AudioContentType derives a MIME type from the file extension, falling back
// to application/octet-stream for anything unrecognized.
func AudioContentType(path string) string {
	if ct, ok := audioContentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "application/octet-stream"
}
