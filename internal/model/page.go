package model

// Candidate is one page address produced by a source resolver, together with
// its position in the resolved result list.
type Candidate struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Page is the raw content retrieved for a single candidate.
type Page struct {
	URL        string `json:"url"`
	FinalURL   string `json:"final_url"`
	HTML       string `json:"html,omitempty"`
	StatusCode int    `json:"status_code"`
}

// Link returns the address the page was finally served from, falling back to
// the requested URL when no redirect was observed.
func (p *Page) Link() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}
