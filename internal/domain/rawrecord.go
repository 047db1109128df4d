package domain

import (
	"encoding/json"
	"time"
)

// Source identifies the external system a record came from.
type Source string

const (
	SourceAssessorAPI Source = "assessor_api"
	SourceMLSScrape   Source = "mls_scrape"
)

// RawRecord is an opaque, source-labeled capture of one property
// observation. Exactly one of HTML, Text or Structured is set. It is
// consumed once by processing and then discarded; only its payload hash
// survives in provenance.
type RawRecord struct {
	Source     Source                 `json:"source"`
	SourceKey  string                 `json:"source_key"`
	FetchedAt  time.Time              `json:"fetched_at"`
	HTML       string                 `json:"html,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Structured map[string]interface{} `json:"structured,omitempty"`
	Context    map[string]string      `json:"context,omitempty"`
}

// PayloadHash fingerprints whichever payload form is populated.
func (r RawRecord) PayloadHash() string {
	switch {
	case r.HTML != "":
		return HashPayload([]byte(r.HTML))
	case r.Text != "":
		return HashPayload([]byte(r.Text))
	default:
		b, _ := json.Marshal(r.Structured)
		return HashPayload(b)
	}
}

// ContentAndType selects the payload form processing should extract from:
// HTML is preferred, then text, then a text synthesis of the structured
// payload's string fields.
func (r RawRecord) ContentAndType() (content, contentType string) {
	if r.HTML != "" {
		return r.HTML, "html"
	}
	if r.Text != "" {
		return r.Text, "text"
	}
	var sb []byte
	for k, v := range r.Structured {
		if s, ok := v.(string); ok && s != "" {
			sb = append(sb, []byte(k+": "+s+"\n")...)
		}
	}
	return string(sb), "text"
}
