package history

import "strings"

// Analyze derives a Correction record from an exchange. Error counts come
// from keyword and table-row counting on the model reply, matching how the
// reply's Markdown error table is formatted.
func Analyze(original, response string) Correction {
	lower := strings.ToLower(response)

	total := 0
	if strings.Contains(lower, "| ") {
		total = strings.Count(lower, "| ") - 1
		if total < 0 {
			total = 0
		}
	}

	return Correction{
		OriginalText:     original,
		CorrectedText:    response,
		CorrectionType:   detectType(original, response),
		DetectedLanguage: detectLanguage(original),
		ErrorCount:       total,
		ErrorsGrammar:    strings.Count(lower, "grammar"),
		ErrorsSpelling:   strings.Count(lower, "spelling"),
		ErrorsVocabulary: strings.Count(lower, "vocabulary"),
		ErrorsStyle:      strings.Count(lower, "style"),
	}
}

// detectType reports whether the exchange was a correction or a translation.
// A reply carrying the error table is a correction; non-Latin input with a
// reply of comparable length reads as a translation.
func detectType(original, response string) string {
	if strings.Contains(response, "|") && strings.Contains(strings.ToLower(response), "error") {
		return "correction"
	}
	hasNonLatin := false
	for _, r := range original {
		if r > 127 {
			hasNonLatin = true
			break
		}
	}
	if hasNonLatin && len(original) < len(response)*2 {
		return "translation"
	}
	return "correction"
}

// detectLanguage guesses the input language from character ranges. Empty
// means unknown.
func detectLanguage(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsRange(text, 0x0400, 0x04FF):
		return "ru"
	case containsRange(text, 0x4E00, 0x9FFF):
		return "zh"
	case containsRange(text, 0x0600, 0x06FF):
		return "ar"
	case strings.ContainsAny(lower, "ñáéíóúü¿¡"):
		return "es"
	case strings.ContainsAny(lower, "àâäéèêëïîôöùûüÿç"):
		return "fr"
	case strings.ContainsAny(lower, "äöüß"):
		return "de"
	}
	for _, r := range text {
		if r > 255 {
			return ""
		}
	}
	return "en"
}

func containsRange(s string, lo, hi rune) bool {
	for _, r := range s {
		if r >= lo && r <= hi {
			return true
		}
	}
	return false
}
