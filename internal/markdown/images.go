// Package markdown handles image references in extracted book markdown and
// renders reports to HTML.
package markdown

import (
	"path"
	"regexp"
	"strings"

	"manuscript/api/internal/objectstore"
)

// imageRef matches ![alt](target "optional title").
var imageRef = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]*)((?:\s+"[^"]*")?)\)`)

type ImageRef struct {
	Alt    string
	Target string
}

// IsRemote reports whether target points outside the book's storage.
func IsRemote(target string) bool {
	lower := strings.ToLower(target)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:")
}

// ImageName strips the images/ or ../images/ prefix MinerU writes.
func ImageName(target string) string {
	name := strings.TrimPrefix(target, "../images/")
	name = strings.TrimPrefix(name, "images/")
	return path.Base(name)
}

// ImageKey maps a markdown image reference to its storage key. Remote and
// data URLs return "" and false.
func ImageKey(bookID, target string) (string, bool) {
	if target == "" || IsRemote(target) {
		return "", false
	}
	return objectstore.ImageKey(bookID, ImageName(target)), true
}

// ReferencedImages lists image references in document order.
func ReferencedImages(markdown string) []ImageRef {
	matches := imageRef.FindAllStringSubmatch(markdown, -1)
	out := make([]ImageRef, 0, len(matches))
	for _, m := range matches {
		out = append(out, ImageRef{Alt: m[1], Target: m[2]})
	}
	return out
}

// References reports whether markdown has an image reference naming filename.
func References(markdown, filename string) bool {
	return removalPattern(filename).MatchString(markdown)
}

// RemoveImageRefs drops every image reference whose target contains filename.
// It returns the new text and the number of references removed.
func RemoveImageRefs(markdown, filename string) (string, int) {
	pattern := removalPattern(filename)
	count := len(pattern.FindAllStringIndex(markdown, -1))
	if count == 0 {
		return markdown, 0
	}
	return pattern.ReplaceAllString(markdown, ""), count
}

func removalPattern(filename string) *regexp.Regexp {
	return regexp.MustCompile(`!\[.*?\]\(.*?` + regexp.QuoteMeta(filename) + `.*?\)`)
}

// RewriteImageURLs replaces local image targets with whatever resolve
// returns, typically a presigned URL. References resolve leaves empty, and
// remote ones, are kept as they are.
func RewriteImageURLs(markdown string, resolve func(target string) string) string {
	return imageRef.ReplaceAllStringFunc(markdown, func(match string) string {
		m := imageRef.FindStringSubmatch(match)
		target := m[2]
		if IsRemote(target) {
			return match
		}
		replacement := resolve(target)
		if replacement == "" {
			return match
		}
		return "![" + m[1] + "](" + replacement + m[3] + ")"
	})
}
