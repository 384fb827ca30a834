package model

// TimeoutText marks a result whose page could not be loaded in time. It lets
// callers tell "could not fetch" apart from "no usable content".
const TimeoutText = "Page load timeout"

// Result is the per-candidate outcome surfaced to stream consumers. An empty
// pair means the page had no usable or unique content.
type Result struct {
	CleanLink string `json:"clean_link"`
	Text      string `json:"text_cleaned"`
}

// EmptyResult returns the "no usable content" result.
func EmptyResult() Result { return Result{} }

// TimeoutResult returns the timeout-flavored result.
func TimeoutResult() Result { return Result{Text: TimeoutText} }

// IsEmpty reports whether r carries no content.
func (r Result) IsEmpty() bool { return r.CleanLink == "" && r.Text == "" }

// IsTimeout reports whether r is the timeout-flavored result.
func (r Result) IsTimeout() bool { return r.CleanLink == "" && r.Text == TimeoutText }

// EventKind identifies an entry in a scrape stream.
type EventKind string

const (
	EventProcessing EventKind = "processing"
	EventResult     EventKind = "result"
	EventEnd        EventKind = "end"
	EventError      EventKind = "error"
)

// Terminal reports whether the kind ends a stream.
func (k EventKind) Terminal() bool {
	return k == EventEnd || k == EventError
}

// Event is a single entry in a scrape stream. Result is set only for
// EventResult; Err only for EventError.
type Event struct {
	Kind   EventKind `json:"kind"`
	Index  int       `json:"index"`
	Result *Result   `json:"result,omitempty"`
	Err    error     `json:"-"`
}
