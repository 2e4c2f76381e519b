package services

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/krshsl/praxis/feedback/models"
)

// byteRange is an inclusive window into a file
type byteRange struct {
	start, end int64
}

func (br byteRange) length() int64 { return br.end - br.start + 1 }

var errUnsatisfiableRange = errors.New("range not satisfiable")

// parseRange reads a single "bytes=start-end" range. A missing end means the
// last byte of the file.
func parseRange(header string, size int64) (byteRange, error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return byteRange{}, errUnsatisfiableRange
	}
	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return byteRange{}, errUnsatisfiableRange
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return byteRange{}, errUnsatisfiableRange
	}
	end := size - 1
	if last = strings.TrimSpace(last); last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			return byteRange{}, errUnsatisfiableRange
		}
	}

	if start < 0 || start >= size || end < 0 || end >= size || start > end {
		return byteRange{}, errUnsatisfiableRange
	}
	return byteRange{start: start, end: end}, nil
}

// serveAudio streams the file at path, honouring a single byte range
func serveAudio(w http.ResponseWriter, r *http.Request, path string, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "Audio file not found", http.StatusNotFound)
			return
		}
		logger.Error("Failed to open audio", "path", path, "error", err)
		http.Error(w, "Failed to read audio", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "Audio file not found", http.StatusNotFound)
		return
	}
	size := info.Size()

	h := w.Header()
	h.Set("Content-Type", models.AudioContentType(path))
	h.Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			if _, err := io.Copy(w, f); err != nil {
				logger.Debug("Audio stream interrupted", "path", path, "error", err)
			}
		}
		return
	}

	br, err := parseRange(rangeHeader, size)
	if err != nil {
		h.Del("Content-Type")
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if _, err := f.Seek(br.start, io.SeekStart); err != nil {
		logger.Error("Failed to seek audio", "path", path, "error", err)
		http.Error(w, "Failed to read audio", http.StatusInternalServerError)
		return
	}
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end, size))
	h.Set("Content-Length", strconv.FormatInt(br.length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		if _, err := io.CopyN(w, f, br.length()); err != nil {
			logger.Debug("Audio stream interrupted", "path", path, "error", err)
		}
	}
}
