// Package hashtag turns image captions into hashtags.
package hashtag

import (
	"regexp"
	"strings"
)

// Fallback is returned by FromCaption in default mode when no word of the
// caption survives filtering.
var Fallback = []string{"#content", "#image"}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "on": true, "in": true,
	"and": true, "with": true, "for": true, "to": true, "at": true,
	"is": true, "are": true, "this": true, "that": true, "it": true,
	"by": true, "from": true,
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// FromCaption converts caption into at most numTags hashtags (no limit when
// numTags <= 0).
//
// With keywords the caption is only matched against them: a keyword is kept
// when it appears in the caption, case-insensitively, and the result may be
// empty. Without keywords every word longer than two characters that is not
// a stop word becomes a tag, and an empty result is replaced by Fallback.
func FromCaption(caption string, numTags int, keywords ...string) []string {
	if hasKeywords(keywords) {
		return matchKeywords(caption, numTags, keywords)
	}

	var tags []string
	seen := make(map[string]bool)
	for _, w := range wordRe.FindAllString(strings.ToLower(caption), -1) {
		if len(w) <= 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		tags = append(tags, "#"+w)
	}
	tags = truncate(tags, numTags)
	if len(tags) == 0 {
		return append([]string(nil), Fallback...)
	}
	return tags
}

func matchKeywords(caption string, numTags int, keywords []string) []string {
	lc := strings.ToLower(caption)
	tags := []string{}
	seen := make(map[string]bool)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" || !strings.Contains(lc, strings.ToLower(kw)) {
			continue
		}
		tag := "#" + strings.Join(strings.Fields(kw), "")
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return truncate(tags, numTags)
}

func hasKeywords(keywords []string) bool {
	for _, kw := range keywords {
		if strings.TrimSpace(kw) != "" {
			return true
		}
	}
	return false
}

func truncate(tags []string, n int) []string {
	if n > 0 && len(tags) > n {
		return tags[:n]
	}
	return tags
}

// ParseVocabulary splits a comma separated keyword list, dropping blanks.
func ParseVocabulary(csv string) []string {
	var out []string
	for kw := range strings.SplitSeq(csv, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
