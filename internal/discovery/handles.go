package discovery

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

const maxHandleLen = 30

var (
	handlePattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9._]{0,28}[a-z0-9])?$`)
	profileLink    = regexp.MustCompile(`instagram\.com/([A-Za-z0-9._]+)`)
	mentionPattern = regexp.MustCompile(`@([A-Za-z0-9._]{1,30})`)
)

// reservedHandles are platform paths that look like handles in URLs.
var reservedHandles = map[string]struct{}{
	"explore": {}, "p": {}, "reel": {}, "reels": {}, "stories": {}, "tv": {},
	"accounts": {}, "about": {}, "api": {}, "blog": {}, "developer": {},
	"help": {}, "legal": {}, "privacy": {}, "terms": {}, "press": {},
	"instagram": {}, "direct": {}, "web": {}, "nametag": {},
}

// ValidHandle reports whether h is a plausible profile handle: 1 to 30
// characters of letters, digits, '.' and '_', no leading, trailing or
// doubled period, and not a reserved path. Case is ignored.
func ValidHandle(h string) bool {
	h = strings.ToLower(h)
	if h == "" || len(h) > maxHandleLen {
		return false
	}
	if _, reserved := reservedHandles[h]; reserved {
		return false
	}
	if strings.Contains(h, "..") {
		return false
	}
	return handlePattern.MatchString(h)
}

// Result is one search hit.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ExtractHandles pulls valid handles from profile links in the URL and
// content and from @mentions in the content. Output is normalized and
// deduplicated in first-seen order.
func ExtractHandles(results []Result) []string {
	var found []string
	add := func(h string) {
		if ValidHandle(h) {
			found = append(found, h)
		}
	}
	for _, r := range results {
		if m := profileLink.FindStringSubmatch(r.URL); m != nil {
			add(m[1])
		}
		for _, m := range mentionPattern.FindAllStringSubmatch(r.Content, -1) {
			add(m[1])
		}
		for _, m := range profileLink.FindAllStringSubmatch(r.Content, -1) {
			add(m[1])
		}
	}
	return fleet.NormalizeHandles(found)
}
