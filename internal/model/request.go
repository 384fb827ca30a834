package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Mode selects how candidate pages are fetched.
type Mode string

const (
	// ModeLightweight fetches pages with stateless HTTP requests.
	ModeLightweight Mode = "lightweight"
	// ModeFull fetches pages with pooled browser sessions.
	ModeFull Mode = "full"
)

// ParseMode maps the transport's "lightweight" flag onto a Mode. Anything but
// an explicit "false" keeps the lightweight default.
func ParseMode(lightweight string) Mode {
	if strings.EqualFold(strings.TrimSpace(lightweight), "false") {
		return ModeFull
	}
	return ModeLightweight
}

// Request is one streaming scrape job.
type Request struct {
	Query         string `json:"query"`
	Sentence      string `json:"sentence"`
	StartingIndex int    `json:"starting_index"`
	Mode          Mode   `json:"mode"`
}

// Validate checks the request and normalizes the sentence in place.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return eris.New("request: query is required")
	}
	if r.StartingIndex < 0 {
		return eris.Errorf("request: starting_index must be non-negative, got %d", r.StartingIndex)
	}
	switch r.Mode {
	case "":
		r.Mode = ModeLightweight
	case ModeLightweight, ModeFull:
	default:
		return eris.Errorf("request: unknown mode %q", r.Mode)
	}
	r.Sentence = NormalizeSentence(r.Sentence)
	return nil
}

// NormalizeSentence collapses every run of whitespace to a single space and
// trims the ends.
func NormalizeSentence(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
