package tracker

import (
	"strings"

	"github.com/attune-health/attune/pkg/models"
)

// Stopwords dropped during fingerprint normalization. Question scaffolding
// words carry no topical signal and would inflate overlap scores.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "can": {}, "do": {}, "does": {},
	"for": {}, "from": {}, "had": {}, "has": {}, "have": {}, "how": {},
	"i": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"so": {}, "that": {}, "the": {}, "them": {}, "then": {}, "this": {},
	"to": {}, "was": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "would": {},
	"you": {}, "your": {},
}

// keyPhrases are protocol-significant multi-word markers. Two questions
// sharing the same key phrases are about the same thing even when their
// surrounding wording differs.
var keyPhrases = []string{
	"right now",
	"in your body",
	"weighing on",
	"feel instead",
	"one thread",
	"slow down",
	"as we speak",
	"keeps coming back",
}

// Fingerprint normalizes a question into its comparable form:
// lowercased, punctuation stripped, stopwords removed, plus the key
// phrases it contains.
func Fingerprint(text string) models.Fingerprint {
	lower := strings.ToLower(text)

	var phrases []string
	for _, p := range keyPhrases {
		if strings.Contains(lower, p) {
			phrases = append(phrases, p)
		}
	}

	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	seen := make(map[string]struct{})
	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		tok = strings.Trim(tok, "'")
		if tok == "" {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	return models.Fingerprint{Tokens: tokens, KeyPhrases: phrases}
}

// overlap is the token-overlap ratio between two fingerprints: the size
// of the intersection over the size of the smaller token set.
func overlap(a, b models.Fingerprint) float64 {
	if len(a.Tokens) == 0 || len(b.Tokens) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a.Tokens))
	for _, tok := range a.Tokens {
		set[tok] = struct{}{}
	}
	shared := 0
	for _, tok := range b.Tokens {
		if _, ok := set[tok]; ok {
			shared++
		}
	}
	min := len(a.Tokens)
	if len(b.Tokens) < min {
		min = len(b.Tokens)
	}
	return float64(shared) / float64(min)
}

// samePhrases reports whether both fingerprints carry the same
// non-empty key-phrase set.
func samePhrases(a, b models.Fingerprint) bool {
	if len(a.KeyPhrases) == 0 || len(a.KeyPhrases) != len(b.KeyPhrases) {
		return false
	}
	set := make(map[string]struct{}, len(a.KeyPhrases))
	for _, p := range a.KeyPhrases {
		set[p] = struct{}{}
	}
	for _, p := range b.KeyPhrases {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

// IsDuplicate reports whether the candidate question is semantically
// the same as one already posed in this session.
func (t *Tracker) IsDuplicate(ledger models.QuestionLedger, candidate string) bool {
	fp := Fingerprint(candidate)
	for _, asked := range ledger.Asked {
		if overlap(asked, fp) >= t.dupThreshold || samePhrases(asked, fp) {
			return true
		}
	}
	return false
}

// RegisterQuestion records a question the engine actually posed.
func (t *Tracker) RegisterQuestion(s *models.Session, question string) {
	fp := Fingerprint(question)
	if len(fp.Tokens) == 0 {
		return
	}
	s.Ledger.Asked = append(s.Ledger.Asked, fp)
	s.Ledger.Last = &fp
}
