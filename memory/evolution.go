package memory

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// ParseEvolutionInstruction translates a free-form profile-evolution
// instruction from the summarizer into a partial profile update. Matching
// is heuristic keyword matching against a small fixed vocabulary; anything
// that does not match is silently ignored, and a partial match applies only
// the fields it matched. Callers must tolerate an empty update.
func ParseEvolutionInstruction(instruction string) ProfileUpdate {
	var upd ProfileUpdate
	text := strings.ToLower(strings.TrimSpace(instruction))
	if text == "" {
		return upd
	}

	if level, ok := parseHumor(text); ok {
		upd.HumorLevel = lo.ToPtr(level)
	}
	if freq, ok := parseCaring(text); ok {
		upd.CaringFrequency = lo.ToPtr(freq)
	}
	if style, ok := parseStyle(text); ok {
		upd.CommunicationStyle = lo.ToPtr(style)
	}
	upd.PersonalityTraits = parseTraits(text)
	return upd
}

func parseHumor(text string) (string, bool) {
	if !strings.Contains(text, "humor") && !strings.Contains(text, "joke") {
		return "", false
	}
	switch {
	case containsAny(text, "no humor", "stop joking", "never joke"):
		return "none", true
	case containsAny(text, "less", "fewer", "reduce", "tone down"):
		return "light", true
	case containsAny(text, "more", "often", "increase", "frequent"):
		return "frequent", true
	}
	return "", false
}

func parseCaring(text string) (string, bool) {
	if !containsAny(text, "caring", "care", "check in", "concern", "attentive") {
		return "", false
	}
	switch {
	case containsAny(text, "constant", "always"):
		return "constant", true
	case containsAny(text, "less", "rarely", "reduce", "back off"):
		return "rare", true
	case containsAny(text, "more", "often", "increase", "frequent"):
		return "frequent", true
	}
	return "", false
}

func parseStyle(text string) (string, bool) {
	switch {
	case containsAny(text, "more formal", "formal tone", "formally"):
		return "formal", true
	case containsAny(text, "casual", "relaxed tone", "informal"):
		return "casual", true
	case containsAny(text, "playful", "teasing"):
		return "playful", true
	case containsAny(text, "direct", "blunt", "to the point"):
		return "direct", true
	}
	return "", false
}

var (
	traitMarker   = regexp.MustCompile(`(?:personality\s+)?traits?\s*[:\-]`)
	traitSplitter = regexp.MustCompile(`[,;/]| and `)
)

// parseTraits extracts trait terms from a punctuation-delimited segment
// introduced by a "traits:"-style marker.
func parseTraits(text string) []string {
	loc := traitMarker.FindStringIndex(text)
	if loc == nil {
		return nil
	}
	segment := text[loc[1]:]
	// A trait list ends at the first sentence-level punctuation.
	if end := strings.IndexAny(segment, ".!?\n"); end >= 0 {
		segment = segment[:end]
	}
	return lo.FilterMap(traitSplitter.Split(segment, -1), func(term string, _ int) (string, bool) {
		term = strings.TrimSpace(term)
		return term, term != ""
	})
}

func containsAny(text string, terms ...string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
