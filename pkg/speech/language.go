package speech

import "strings"

// PrimaryTag returns the lowercase primary language subtag of a BCP-47 tag
// ("en-US" -> "en").
func PrimaryTag(lang string) string {
	tag, _, _ := strings.Cut(lang, "-")
	tag, _, _ = strings.Cut(tag, "_")
	return strings.ToLower(tag)
}

// LanguageSupported reports whether lang is in supported, either verbatim
// (case-insensitive) or by primary subtag. An empty supported list accepts
// every language.
func LanguageSupported(supported []string, lang string) bool {
	if len(supported) == 0 {
		return true
	}
	primary := PrimaryTag(lang)
	for _, s := range supported {
		if strings.EqualFold(s, lang) || PrimaryTag(s) == primary {
			return true
		}
	}
	return false
}
