package schemas

// Digest bounds. The planner prompt embeds the digest verbatim, so the
// extractor truncates to keep prompts small and deterministic.
const (
	MaxDigestHeadings = 5   // h1/h2 entries kept
	MaxDigestElements = 30  // interactive elements kept
	MaxHeadingChars   = 120 // per-heading truncation
	MaxElementChars   = 80  // per-field truncation on element text
)

// PageElement is one visible interactive element in a page digest.
type PageElement struct {
	Role         string `json:"role"`
	Name         string `json:"name,omitempty"`
	Text         string `json:"text,omitempty"`
	Label        string `json:"label,omitempty"`
	Placeholder  string `json:"placeholder,omitempty"`
	DataTestID   string `json:"data_testid,omitempty"`
	SelectorHint string `json:"selector_hint"`
	Visible      bool   `json:"visible"`
}

// PageDigest is the bounded structured summary of a live page handed to the
// planner. Deterministic for a fixed DOM snapshot.
type PageDigest struct {
	Title        string        `json:"title"`
	URL          string        `json:"url"`
	Headings     []string      `json:"headings"`
	Interactives []PageElement `json:"interactives"`
}

// Viewport describes the browser emulation profile for a run.
type Viewport struct {
	Name      string `json:"name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Mobile    bool   `json:"mobile"`
	UserAgent string `json:"user_agent,omitempty"`
}

const iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"

// ViewportByName resolves a run's viewport hint. Unknown names fall back to
// the desktop profile.
func ViewportByName(name string) Viewport {
	if name == "mobile" {
		return Viewport{Name: "mobile", Width: 393, Height: 852, Mobile: true, UserAgent: iphoneUA}
	}
	return Viewport{Name: "desktop", Width: 1920, Height: 1080}
}
