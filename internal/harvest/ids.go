package harvest

import (
	"net/url"
	"regexp"
	"strings"
)

var youtubeID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ItemID builds the ledger key for an extracted item. YouTube IDs are kept bare
// so legacy ledgers keyed by video ID stay valid; other extractors are prefixed
// to keep their ID spaces apart.
func ItemID(extractor, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	ext := strings.ToLower(strings.TrimSpace(extractor))
	if ext == "" || ext == "youtube" || ext == "youtubetab" {
		return id
	}
	return ext + ":" + id
}

// CanonicalID extracts the permanent video ID from the common YouTube locator
// forms (watch, shorts, embed, live, youtu.be). It returns false for anything
// else, including collection locators.
func CanonicalID(locator string) (string, bool) {
	raw := strings.TrimSpace(locator)
	if raw == "" {
		return "", false
	}
	if youtubeID.MatchString(raw) {
		return raw, true
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	var candidate string
	switch host {
	case "youtu.be":
		candidate = segments[0]
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		switch {
		case segments[0] == "watch":
			candidate = u.Query().Get("v")
		case len(segments) >= 2 && isVideoPathPrefix(segments[0]):
			candidate = segments[1]
		}
	}
	if youtubeID.MatchString(candidate) {
		return candidate, true
	}
	return "", false
}

func isVideoPathPrefix(segment string) bool {
	switch segment {
	case "shorts", "embed", "live", "v":
		return true
	default:
		return false
	}
}
