package ghclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/go-github/v68/github"
)

// markerPattern recognizes an agent-runner marker comment: an HTML
// comment carrying a stable key and a content hash, invisible when the
// comment renders.
var markerPattern = regexp.MustCompile(`<!-- agent-runner:marker key=([\w:./-]+) hash=([0-9a-f]{8}) -->`)

// BuildMarker renders the invisible marker prefix for a comment body.
func BuildMarker(key, body string) string {
	sum := sha256.Sum256([]byte(body))
	return fmt.Sprintf("<!-- agent-runner:marker key=%s hash=%s -->\n", key, hex.EncodeToString(sum[:4]))
}

// FindLatestMarker returns the most recent comment carrying a marker for
// key, and its creation time, or ok=false if none exists.
func FindLatestMarker(comments []*github.IssueComment, key string) (comment *github.IssueComment, createdAt time.Time, ok bool) {
	for _, c := range comments {
		m := markerPattern.FindStringSubmatch(c.GetBody())
		if m == nil || m[1] != key {
			continue
		}
		if !ok || c.GetCreatedAt().Time.After(createdAt) {
			comment, createdAt, ok = c, c.GetCreatedAt().Time, true
		}
	}
	return comment, createdAt, ok
}

// ShouldRepost reports whether a marker comment for key should be posted
// again: true when there is no prior marker, or when a non-bot comment
// was posted after the latest marker (the user replied).
func ShouldRepost(comments []*github.IssueComment, key, botLogin string) bool {
	_, markerAt, found := FindLatestMarker(comments, key)
	if !found {
		return true
	}
	for _, c := range comments {
		if c.GetUser().GetLogin() == botLogin {
			continue
		}
		if c.GetCreatedAt().Time.After(markerAt) {
			return true
		}
	}
	return false
}
