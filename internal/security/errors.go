package security

import (
	"sort"
	"strings"
)

// HTTP-style statuses carried by a denial. 480 signals that fetching a
// corsReadToken and retrying would resolve the denial.
const (
	StatusForbidden          = 403
	StatusFetchCorsReadToken = 480
)

// Hint is one human-readable remediation suggestion. Higher priority
// hints come first in the rendered message.
type Hint struct {
	Priority int
	Text     string
}

// DeniedError is the engine's rejection: a status plus ranked hints.
type DeniedError struct {
	Status int
	Hints  []Hint
}

func (e *DeniedError) Error() string {
	hints := append([]Hint(nil), e.Hints...)
	sort.SliceStable(hints, func(i, j int) bool { return hints[i].Priority > hints[j].Priority })
	texts := make([]string, 0, len(hints))
	for _, h := range hints {
		texts = append(texts, h.Text)
	}
	if len(texts) == 0 {
		return "request not allowed"
	}
	return strings.Join(texts, "; ")
}
