package recognizer

import "strings"

// transcript accumulates the best known text so far. Mutated only by the
// event-consuming goroutine.
type transcript struct {
	text string
}

func (t *transcript) applyDelta(fragment string) string {
	t.text = mergeOverlap(t.text, fragment)
	return t.text
}

func (t *transcript) replace(fragment string) string {
	t.text = fragment
	return t.text
}

func (t *transcript) current() string { return t.text }

func (t *transcript) final() string { return strings.TrimSpace(t.text) }

// mergeOverlap appends fragment to text, dropping the longest boundary region
// the server re-sent as context: the largest k where the last k characters of
// text equal the first k of fragment. k=0 degrades to plain concatenation.
// Worst case O(min(|text|,|fragment|)²), fine for short server fragments.
func mergeOverlap(text, fragment string) string {
	if text == "" {
		return fragment
	}
	if fragment == "" {
		return text
	}
	tr := []rune(text)
	fr := []rune(fragment)
	maxK := min(len(tr), len(fr))
	for k := maxK; k > 0; k-- {
		if runesEqual(tr[len(tr)-k:], fr[:k]) {
			return text + string(fr[k:])
		}
	}
	return text + fragment
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
