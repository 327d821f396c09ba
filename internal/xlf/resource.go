package xlf

import (
	"regexp"
	"strconv"
	"time"
)

var (
	numItemsRe = regexp.MustCompile(`<!--\s*NUMITEMS=(\d+)\s*-->`)
	durationRe = regexp.MustCompile(`<!--\s*DURATION=(\d+)\s*-->`)
)

// ResourceHints are the control comments the CMS embeds in widget HTML.
type ResourceHints struct {
	NumItems    int
	Duration    time.Duration
	HasDuration bool
}

// ParseResourceHints scans opaque widget HTML for NUMITEMS/DURATION comments.
func ParseResourceHints(html string) ResourceHints {
	var hints ResourceHints
	if m := numItemsRe.FindStringSubmatch(html); m != nil {
		hints.NumItems, _ = strconv.Atoi(m[1])
	}
	if m := durationRe.FindStringSubmatch(html); m != nil {
		secs, _ := strconv.Atoi(m[1])
		hints.Duration = time.Duration(secs) * time.Second
		hints.HasDuration = true
	}
	return hints
}
