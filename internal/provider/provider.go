// Package provider maintains the list of services the embed API can embed
// and answers whether a URL belongs to one of them.
package provider

// Provider is one embeddable service from the remote manifest.
type Provider struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayname,omitempty"`
	Type        string   `json:"type,omitempty"` // e.g. "video", "photo", "rich"
	Domain      string   `json:"domain,omitempty"`
	Favicon     string   `json:"favicon,omitempty"`
	About       string   `json:"about,omitempty"`
	Patterns    []string `json:"patterns"` // URL templates, see Matcher
}

// State is the load state of a Registry.
type State int

const (
	StateNotAttempted State = iota
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "not_attempted"
	}
}
