package detect

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"
)

// canonicalBooks is the 66-book Protestant canon, in canonical order.
var canonicalBooks = []string{
	"Genesis", "Exodus", "Leviticus", "Numbers", "Deuteronomy",
	"Joshua", "Judges", "Ruth", "1 Samuel", "2 Samuel",
	"1 Kings", "2 Kings", "1 Chronicles", "2 Chronicles",
	"Ezra", "Nehemiah", "Esther", "Job", "Psalms", "Proverbs",
	"Ecclesiastes", "Song of Solomon", "Isaiah", "Jeremiah",
	"Lamentations", "Ezekiel", "Daniel", "Hosea", "Joel", "Amos",
	"Obadiah", "Jonah", "Micah", "Nahum", "Habakkuk", "Zephaniah",
	"Haggai", "Zechariah", "Malachi",
	"Matthew", "Mark", "Luke", "John", "Acts", "Romans",
	"1 Corinthians", "2 Corinthians", "Galatians", "Ephesians",
	"Philippians", "Colossians", "1 Thessalonians", "2 Thessalonians",
	"1 Timothy", "2 Timothy", "Titus", "Philemon", "Hebrews",
	"James", "1 Peter", "2 Peter", "1 John", "2 John", "3 John",
	"Jude", "Revelation",
}

// bookAliases maps common abbreviations and alternate names to canonical
// book names, lower-cased.
var bookAliases = map[string]string{
	"psalm":         "Psalms",
	"song of songs": "Song of Solomon",
	"canticles":     "Song of Solomon",
	"revelations":   "Revelation",
	"gen":           "Genesis",
	"ex":            "Exodus",
	"exod":          "Exodus",
	"lev":           "Leviticus",
	"num":           "Numbers",
	"deut":          "Deuteronomy",
	"josh":          "Joshua",
	"judg":          "Judges",
	"1 sam":         "1 Samuel",
	"2 sam":         "2 Samuel",
	"1 chron":       "1 Chronicles",
	"2 chron":       "2 Chronicles",
	"neh":           "Nehemiah",
	"est":           "Esther",
	"ps":            "Psalms",
	"prov":          "Proverbs",
	"eccl":          "Ecclesiastes",
	"isa":           "Isaiah",
	"jer":           "Jeremiah",
	"lam":           "Lamentations",
	"ezek":          "Ezekiel",
	"dan":           "Daniel",
	"hos":           "Hosea",
	"obad":          "Obadiah",
	"mic":           "Micah",
	"nah":           "Nahum",
	"hab":           "Habakkuk",
	"zeph":          "Zephaniah",
	"hag":           "Haggai",
	"zech":          "Zechariah",
	"mal":           "Malachi",
	"matt":          "Matthew",
	"mk":            "Mark",
	"lk":            "Luke",
	"jn":            "John",
	"rom":           "Romans",
	"1 cor":         "1 Corinthians",
	"2 cor":         "2 Corinthians",
	"gal":           "Galatians",
	"eph":           "Ephesians",
	"phil":          "Philippians",
	"col":           "Colossians",
	"1 thess":       "1 Thessalonians",
	"2 thess":       "2 Thessalonians",
	"1 tim":         "1 Timothy",
	"2 tim":         "2 Timothy",
	"heb":           "Hebrews",
	"jas":           "James",
	"1 pet":         "1 Peter",
	"2 pet":         "2 Peter",
	"rev":           "Revelation",
}

// bookMatchThreshold is the minimum Jaro-Winkler score for a phonetically
// matched book name to be accepted.
const bookMatchThreshold = 0.78

// CanonicalBook resolves a spoken or transcribed book name to its canonical
// form. Resolution order: exact match, alias table, then Double Metaphone
// candidate filtering ranked by Jaro-Winkler similarity. Numbered books match
// only against books with the same ordinal.
func CanonicalBook(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	lower := strings.ToLower(name)

	for _, b := range canonicalBooks {
		if strings.ToLower(b) == lower {
			return b, true
		}
	}
	if b, ok := bookAliases[lower]; ok {
		return b, true
	}

	ordinal, bare := splitOrdinal(lower)
	p1, s1 := matchr.DoubleMetaphone(bare)

	best := ""
	bestScore := 0.0
	for _, b := range canonicalBooks {
		candOrdinal, candBare := splitOrdinal(strings.ToLower(b))
		if ordinal != candOrdinal {
			continue
		}
		p2, s2 := matchr.DoubleMetaphone(candBare)
		if !codesOverlap(p1, s1, p2, s2) {
			continue
		}
		if score := matchr.JaroWinkler(bare, candBare, false); score > bestScore {
			best, bestScore = b, score
		}
	}
	if best != "" && bestScore >= bookMatchThreshold {
		return best, true
	}
	return "", false
}

// splitOrdinal separates a leading book ordinal ("1", "2", "3", "first",
// "second", "third") from the rest of the name.
func splitOrdinal(name string) (int, string) {
	fields := strings.Fields(name)
	if len(fields) < 2 {
		return 0, name
	}
	switch fields[0] {
	case "1", "i", "first":
		return 1, strings.Join(fields[1:], " ")
	case "2", "ii", "second":
		return 2, strings.Join(fields[1:], " ")
	case "3", "iii", "third":
		return 3, strings.Join(fields[1:], " ")
	}
	return 0, name
}

// codesOverlap reports whether any non-empty Double Metaphone code on one
// side matches any code on the other.
func codesOverlap(a1, a2, b1, b2 string) bool {
	for _, a := range []string{a1, a2} {
		if a == "" {
			continue
		}
		if a == b1 || (b2 != "" && a == b2) {
			return true
		}
	}
	return false
}

// refPattern splits a reference like "1 John 3:16" or "Psalm 23" into book,
// chapter and optional verse.
var refPattern = regexp.MustCompile(`^\s*((?:[123]|I{1,3})?\s*[A-Za-z][A-Za-z ]*?)\s+(\d+)(?::(\d+))?\s*$`)

// ParseReference splits a textual scripture reference into its components and
// canonicalizes the book name. Returns ok=false when the shape is not
// recognisable or the book cannot be resolved.
func ParseReference(ref string) (book string, chapter, verse int, ok bool) {
	m := refPattern.FindStringSubmatch(ref)
	if m == nil {
		return "", 0, 0, false
	}
	book, ok = CanonicalBook(m[1])
	if !ok {
		return "", 0, 0, false
	}
	chapter, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		verse, _ = strconv.Atoi(m[3])
	}
	return book, chapter, verse, true
}

// NormalizeReference rewrites a reference with its canonical book name, e.g.
// "jon 3:16" → "John 3:16". References that cannot be parsed are returned
// unchanged.
func NormalizeReference(ref string) string {
	book, chapter, verse, ok := ParseReference(ref)
	if !ok {
		return strings.TrimSpace(ref)
	}
	if verse > 0 {
		return book + " " + strconv.Itoa(chapter) + ":" + strconv.Itoa(verse)
	}
	return book + " " + strconv.Itoa(chapter)
}
