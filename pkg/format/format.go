// Package format composes the notification text sent to the team chat.
package format

import (
	"strings"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/classify"
)

const segmentSeparator = " | "

// Formatter builds "#category | identity[ | link]\ntext" notifications.
type Formatter struct {
	// ProfileLinks enables the link segment.
	ProfileLinks bool
	// ProfileBaseURL is joined with a resolved handle to link the sender profile.
	ProfileBaseURL string
	// DefaultLink is used when no handle is resolved. Empty means no link.
	DefaultLink string
}

// Format never fails. An empty handle means the sender was not resolved and
// the raw sender id is shown instead.
func (f Formatter) Format(category classify.Category, handle string, senderID string, text string) string {
	handle = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(handle), "@"))

	segments := []string{"#" + string(category)}
	if handle != "" {
		segments = append(segments, "@"+handle)
	} else {
		segments = append(segments, "(id:"+senderID+")")
	}

	if link := f.link(handle); link != "" {
		segments = append(segments, link)
	}

	return strings.TrimSpace(strings.Join(segments, segmentSeparator) + "\n" + text)
}

// link returns the profile link for a handle, the configured default, or
// nothing. A handle-derived link is only built when a base URL is set.
func (f Formatter) link(handle string) string {
	if !f.ProfileLinks {
		return ""
	}

	base := strings.TrimSpace(f.ProfileBaseURL)
	if handle != "" && base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base + handle
	}

	return strings.TrimSpace(f.DefaultLink)
}
