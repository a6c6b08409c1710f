// Package ytdlp wraps the yt-dlp binary behind a small runner interface and
// decodes its JSON output.
package ytdlp

import (
	"os"
	"strings"
)

// Binary is the default executable name.
const Binary = "yt-dlp"

// Flags passed to yt-dlp.
const (
	FlagAudioFormat    = "--audio-format"
	FlagAudioQuality   = "--audio-quality"
	FlagCookies        = "--cookies"
	FlagDumpJSON       = "--dump-json"
	FlagEmbedThumbnail = "--embed-thumbnail"
	FlagExtractAudio   = "-x"
	FlagFlatPlaylist   = "--flat-playlist"
	FlagFormat         = "-f"
	FlagIgnoreErrors   = "--ignore-errors"
	FlagNoPlaylist     = "--no-playlist"
	FlagNoProgress     = "--no-progress"
	FlagNoSimulate     = "--no-simulate"
	FlagOutput         = "-o"
	FlagPrint          = "--print"
	FlagSkipDownload   = "--skip-download"
)

// Defaults for the download invocation.
const (
	AfterMoveFilepath   = "after_move:filepath"
	DefaultFormat       = "bestaudio/best"
	DefaultAudioFormat  = "mp3"
	DefaultAudioQuality = "192"
	TitleTemplate       = "%(title)s.%(ext)s"
)

// CookieArgs returns the cookies flag pair when path names an existing file,
// and nothing otherwise.
func CookieArgs(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	return []string{FlagCookies, path}
}
