package ytdlp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Entry is the subset of a yt-dlp info dict the pipeline reads.
type Entry struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	URL          string  `json:"url"`
	WebpageURL   string  `json:"webpage_url"`
	OriginalURL  string  `json:"original_url"`
	Type         string  `json:"_type"`
	IEKey        string  `json:"ie_key"`
	ExtractorKey string  `json:"extractor_key"`
	Channel      string  `json:"channel"`
	Uploader     string  `json:"uploader"`
	Duration     float64 `json:"duration"`
	Availability string  `json:"availability"`
	Filename     string  `json:"_filename"`
}

// IsCollection reports whether the entry points at another playlist, channel tab or similar.
func (e Entry) IsCollection() bool {
	if e.Type == "playlist" || e.Type == "multi_video" {
		return true
	}
	if e.Type != "url" && e.Type != "url_transparent" {
		return false
	}
	key := e.Extractor()
	return strings.HasSuffix(key, "Tab") || strings.Contains(key, "Playlist") || strings.Contains(key, "Channel")
}

// Extractor returns the extractor name, preferring extractor_key over ie_key.
func (e Entry) Extractor() string {
	if e.ExtractorKey != "" {
		return e.ExtractorKey
	}
	return e.IEKey
}

// Locator returns the most specific URL for the entry.
func (e Entry) Locator() string {
	for _, candidate := range []string{e.WebpageURL, e.URL, e.OriginalURL} {
		if strings.HasPrefix(candidate, "http://") || strings.HasPrefix(candidate, "https://") {
			return candidate
		}
	}
	return ""
}

// DecodeEntries parses one JSON object per line. Lines that are not JSON
// objects are ignored; an error is returned only when nothing could be decoded.
func DecodeEntries(data []byte) ([]Entry, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	var (
		entries []Entry
		bad     int
		lastErr error
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			bad++
			lastErr = err
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan yt-dlp output: %w", err)
	}
	if len(entries) == 0 && bad > 0 {
		return nil, fmt.Errorf("decode yt-dlp output: %w", lastErr)
	}
	return entries, nil
}

// DecodeEntry parses a single info dict, as produced by --dump-json on one item.
func DecodeEntry(data []byte) (Entry, error) {
	entries, err := DecodeEntries(data)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("yt-dlp returned no metadata")
	}
	return entries[0], nil
}

// LastPrintedPath returns the last non-empty stdout line that is not JSON,
// which is where --print after_move:filepath writes the final artifact path.
func LastPrintedPath(stdout []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "{") || strings.EqualFold(line, "NA") {
			continue
		}
		return line
	}
	return ""
}
