package guard

import (
	"strings"
	"unicode"
)

// genericPhrases are utterances that never prove anything on their own:
// acknowledgements, greetings and courtesies.
var genericPhrases = []string{
	"oke", "ok", "okay", "baik", "ya", "iya", "yes", "siap",
	"halo", "hai", "hi", "hello",
	"selamat pagi", "selamat siang", "selamat sore", "selamat malam", "selamat datang",
	"good morning", "good afternoon",
	"terima kasih", "makasih", "thanks", "thank you",
	"sama-sama", "silakan", "monggo", "gimana", "apa kabar",
	"understood", "noted", "sure", "alright",
}

// selfIntroMarkers flag a speaker introducing themselves.
var selfIntroMarkers = []string{
	"nama saya", "saya adalah", "perkenalkan", "kenalkan",
	"my name is", "allow me to introduce", "let me introduce",
	"i am your tutor", "i'm your tutor", "saya tutor", "saya guru",
}

// introTopics mark an item whose description is itself about greeting or
// introductions. Matched like Domain triggers.
var introTopics = []string{
	"greet", "introduc", "perkenal", "kenal", "salam", "sapa", "welcome", "sambut",
}

// Domain ties item descriptions about a topic to terms the evidence must
// then contain.
type Domain struct {
	Name string
	// Triggers are matched against words of the item description, see
	// hasWordPrefix.
	Triggers []string
	// Required are matched as substrings of the evidence.
	Required []string
}

// Domains are the topical overlap rules.
var Domains = []Domain{
	{
		Name:     "age_grade",
		Triggers: []string{"age", "umur", "usia", "grade", "kelas", "tahun"},
		Required: []string{"umur", "usia", "tahun", "kelas", "grade", "sd", "smp", "sma", "tk", "age", "years"},
	},
	{
		Name:     "interests",
		Triggers: []string{"interest", "like", "minat", "suka", "hobi", "kesukaan", "favorite", "favorit"},
		Required: []string{"suka", "hobi", "hobby", "main", "game", "olahraga", "favorit", "senang", "like", "interest"},
	},
	{
		Name:     "concerns",
		Triggers: []string{"concern", "challenge", "masalah", "khawatir", "kesulitan", "tantangan"},
		Required: []string{"khawatir", "masalah", "kesulitan", "concern", "tantangan", "susah", "kurang", "worried"},
	},
	{
		Name:     "goals",
		Triggers: []string{"goal", "tujuan", "harapan", "ingin", "mau", "hope"},
		Required: []string{"tujuan", "harapan", "ingin", "mau", "supaya", "agar", "bisa", "goal", "hope", "want"},
	},
	{
		Name:     "experience",
		Triggers: []string{"experience", "pengalaman", "pernah", "sudah"},
		Required: []string{"pernah", "sudah", "pengalaman", "biasa", "sering", "belum", "experience"},
	},
}

var genericSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(genericPhrases))
	for _, p := range genericPhrases {
		m[p] = struct{}{}
	}
	return m
}()

// maxGenericWords is the longest entry in genericPhrases, in words.
const maxGenericWords = 2

// normalizePhrase lower-cases, drops punctuation other than intra-word
// hyphens and apostrophes, and collapses whitespace.
func normalizePhrase(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// IsGenericPhrase reports whether evidence is nothing but acknowledgements,
// greetings or courtesies, alone or strung together ("Oke, baik.",
// "Halo, selamat pagi!").
func IsGenericPhrase(evidence string) bool {
	words := strings.Fields(normalizePhrase(evidence))
	if len(words) == 0 {
		return false
	}
	for i := 0; i < len(words); {
		n := 0
		for span := min(maxGenericWords, len(words)-i); span > 0; span-- {
			if _, ok := genericSet[strings.Join(words[i:i+span], " ")]; ok {
				n = span
				break
			}
		}
		if n == 0 {
			return false
		}
		i += n
	}
	return true
}

// IsSelfIntroduction reports whether evidence contains a self-introduction.
func IsSelfIntroduction(evidence string) bool {
	return containsAny(normalizePhrase(evidence), selfIntroMarkers)
}

// ConcernsIntroduction reports whether an item description is about greeting
// or introducing.
func ConcernsIntroduction(description string) bool {
	return hasWordPrefix(description, introTopics)
}

// MatchingDomains returns the domains whose triggers occur in description.
func MatchingDomains(description string) []Domain {
	var out []Domain
	for _, d := range Domains {
		if hasWordPrefix(description, d.Triggers) {
			out = append(out, d)
		}
	}
	return out
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// hasWordPrefix matches terms of four or more letters as word prefixes
// ("greet" matches "greeting") and shorter ones as whole words, so "age"
// does not fire on "agenda".
func hasWordPrefix(text string, terms []string) bool {
	for _, w := range strings.Fields(normalizePhrase(text)) {
		for _, t := range terms {
			if w == t || (len(t) >= minPrefixLen && strings.HasPrefix(w, t)) {
				return true
			}
		}
	}
	return false
}

const minPrefixLen = 4
