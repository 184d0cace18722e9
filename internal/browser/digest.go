// internal/browser/digest.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/archetype-hq/archetype/api/schemas"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// A selector hint built from element text must stay short enough to be a
// reliable lookup key; longer texts fall through to the next hint source.
const maxHintTextLen = 40

// digestScript collects the page summary inside the live page. It returns the
// raw element attributes; role fallbacks and hidden-element filtering mirror
// the static parser below so both paths produce the same shape.
const digestScript = `(() => {
	const MAX_HEADINGS = 5;
	const MAX_ELEMENTS = 30;
	const text = (el) => (el.innerText || el.textContent || '').replace(/\s+/g, ' ').trim();
	const visible = (el) => {
		const st = window.getComputedStyle(el);
		if (st.display === 'none' || st.visibility === 'hidden') return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};
	const roleOf = (el) => {
		const explicit = el.getAttribute('role');
		if (explicit) return explicit;
		const tag = el.tagName.toLowerCase();
		if (tag === 'a') return 'link';
		if (tag === 'button') return 'button';
		if (tag === 'select') return 'combobox';
		if (tag === 'textarea') return 'textbox';
		if (tag === 'input') {
			const t = (el.type || 'text').toLowerCase();
			if (t === 'submit' || t === 'button' || t === 'reset') return 'button';
			if (t === 'checkbox') return 'checkbox';
			if (t === 'radio') return 'radio';
			if (t === 'search') return 'searchbox';
			return 'textbox';
		}
		return 'button';
	};
	const headings = [];
	for (const h of document.querySelectorAll('h1, h2')) {
		if (headings.length >= MAX_HEADINGS) break;
		const t = text(h);
		if (t) headings.push(t);
	}
	const elements = [];
	for (const el of document.querySelectorAll('a[href], button, input, select, textarea, [role=button], [onclick]')) {
		if (elements.length >= MAX_ELEMENTS) break;
		if ((el.type || '').toLowerCase() === 'hidden') continue;
		if (!visible(el)) continue;
		let label = '';
		if (el.labels && el.labels.length > 0) label = text(el.labels[0]);
		elements.push({
			role: roleOf(el),
			name: el.getAttribute('aria-label') || el.getAttribute('name') || '',
			text: text(el).slice(0, 200),
			label: label,
			placeholder: el.getAttribute('placeholder') || '',
			test_id: el.getAttribute('data-testid') || '',
			id: el.id || '',
			class: (el.getAttribute('class') || '').trim(),
		});
	}
	return {
		title: document.title || '',
		url: location.href,
		headings: headings,
		elements: elements,
	};
})()`

// rawElement is the pre-digest form of an interactive element, carrying the
// id and class attributes needed to compute the selector hint.
type rawElement struct {
	Role        string `json:"role"`
	Name        string `json:"name"`
	Text        string `json:"text"`
	Label       string `json:"label"`
	Placeholder string `json:"placeholder"`
	TestID      string `json:"test_id"`
	ID          string `json:"id"`
	Class       string `json:"class"`
}

type rawDigest struct {
	Title    string       `json:"title"`
	URL      string       `json:"url"`
	Headings []string     `json:"headings"`
	Elements []rawElement `json:"elements"`
}

// BuildDigest extracts the bounded page summary handed to the planner. The
// live-page script is the primary path; if evaluation fails but the raw HTML
// is still retrievable, a static parse produces a best-effort digest. Total
// failure yields an ExtractionError.
func BuildDigest(ctx context.Context, sess schemas.SessionContext, logger *zap.Logger) (schemas.PageDigest, error) {
	raw, scriptErr := sess.ExecuteScript(ctx, digestScript, nil)
	if scriptErr == nil {
		var rd rawDigest
		if err := jsonAPI.Unmarshal(raw, &rd); err != nil {
			scriptErr = fmt.Errorf("digest script returned malformed JSON: %w", err)
		} else {
			return rd.digest(), nil
		}
	}
	logger.Debug("Digest script failed, falling back to static HTML parse.", zap.Error(scriptErr))

	pageURL, _ := sess.CurrentURL(ctx)
	pageHTML, htmlErr := sess.OuterHTML(ctx)
	if htmlErr != nil {
		return schemas.PageDigest{}, &schemas.ExtractionError{
			URL: pageURL,
			Err: fmt.Errorf("page HTML unavailable after script failure (%v): %w", scriptErr, htmlErr),
		}
	}

	digest, parseErr := parseStaticDigest(pageHTML, pageURL)
	if parseErr != nil {
		return schemas.PageDigest{}, &schemas.ExtractionError{
			URL: pageURL,
			Err: fmt.Errorf("static parse failed after script failure (%v): %w", scriptErr, parseErr),
		}
	}
	return digest, nil
}

// digest converts the raw extraction into the bounded wire shape.
func (r rawDigest) digest() schemas.PageDigest {
	d := schemas.PageDigest{
		Title:        clip(r.Title, schemas.MaxHeadingChars),
		URL:          r.URL,
		Headings:     make([]string, 0, len(r.Headings)),
		Interactives: make([]schemas.PageElement, 0, len(r.Elements)),
	}
	for _, h := range r.Headings {
		if len(d.Headings) >= schemas.MaxDigestHeadings {
			break
		}
		if h = clip(h, schemas.MaxHeadingChars); h != "" {
			d.Headings = append(d.Headings, h)
		}
	}
	for _, el := range r.Elements {
		if len(d.Interactives) >= schemas.MaxDigestElements {
			break
		}
		if el.Role == "" {
			continue
		}
		d.Interactives = append(d.Interactives, toPageElement(el))
	}
	return d
}

func toPageElement(el rawElement) schemas.PageElement {
	el.Text = clip(el.Text, schemas.MaxElementChars)
	el.Name = clip(el.Name, schemas.MaxElementChars)
	el.Label = clip(el.Label, schemas.MaxElementChars)
	el.Placeholder = clip(el.Placeholder, schemas.MaxElementChars)

	return schemas.PageElement{
		Role:         el.Role,
		Name:         el.Name,
		Text:         el.Text,
		Label:        el.Label,
		Placeholder:  el.Placeholder,
		DataTestID:   el.TestID,
		SelectorHint: selectorHint(el),
		Visible:      true,
	}
}

// selectorHint picks the strongest lookup key for an element. Priority:
// short visible text, then role[name], then data-testid, then id, then the
// first CSS class, then the bare role.
func selectorHint(el rawElement) string {
	if text := collapseWhitespace(el.Text); text != "" && utf8.RuneCountInString(text) <= maxHintTextLen {
		return "text=" + text
	}
	name := collapseWhitespace(el.Name)
	if name == "" {
		name = collapseWhitespace(el.Label)
	}
	if name != "" {
		return fmt.Sprintf("%s[%s]", el.Role, name)
	}
	if el.TestID != "" {
		return fmt.Sprintf("[data-testid=%s]", el.TestID)
	}
	if el.ID != "" {
		return "#" + el.ID
	}
	if cls := firstClass(el.Class); cls != "" {
		return "." + cls
	}
	return el.Role
}

func firstClass(class string) string {
	fields := strings.Fields(class)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clip collapses whitespace and truncates to max runes.
func clip(s string, max int) string {
	s = collapseWhitespace(s)
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// parseStaticDigest walks a serialized DOM and produces the digest shape on a
// best-effort basis. Without computed styles it can only honor attribute-level
// hiding (hidden, aria-hidden, inline display/visibility).
func parseStaticDigest(src, pageURL string) (schemas.PageDigest, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return schemas.PageDigest{}, fmt.Errorf("could not parse page HTML: %w", err)
	}

	rd := rawDigest{URL: pageURL}
	labelsByTarget := make(map[string]string)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title":
				if rd.Title == "" {
					rd.Title = nodeText(n)
				}
			case "h1", "h2":
				if t := nodeText(n); t != "" {
					rd.Headings = append(rd.Headings, t)
				}
			case "label":
				if forID := attrValue(n, "for"); forID != "" {
					if _, ok := labelsByTarget[forID]; !ok {
						labelsByTarget[forID] = nodeText(n)
					}
				}
			}
			if el, ok := staticElement(n); ok {
				rd.Elements = append(rd.Elements, el)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for i := range rd.Elements {
		if rd.Elements[i].Label == "" && rd.Elements[i].ID != "" {
			rd.Elements[i].Label = labelsByTarget[rd.Elements[i].ID]
		}
	}
	return rd.digest(), nil
}

// staticElement extracts a rawElement when the node is interactive and not
// attribute-hidden.
func staticElement(n *html.Node) (rawElement, bool) {
	interactive := false
	switch n.Data {
	case "a":
		interactive = hasAttr(n, "href")
	case "button", "select", "textarea":
		interactive = true
	case "input":
		interactive = !strings.EqualFold(attrValue(n, "type"), "hidden")
	default:
		interactive = attrValue(n, "role") == "button" || hasAttr(n, "onclick")
	}
	if !interactive || staticHidden(n) {
		return rawElement{}, false
	}

	name := attrValue(n, "aria-label")
	if name == "" {
		name = attrValue(n, "name")
	}
	return rawElement{
		Role:        staticRole(n),
		Name:        name,
		Text:        nodeText(n),
		Placeholder: attrValue(n, "placeholder"),
		TestID:      attrValue(n, "data-testid"),
		ID:          attrValue(n, "id"),
		Class:       attrValue(n, "class"),
	}, true
}

func staticHidden(n *html.Node) bool {
	if hasAttr(n, "hidden") || attrValue(n, "aria-hidden") == "true" {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attrValue(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func staticRole(n *html.Node) string {
	if role := attrValue(n, "role"); role != "" {
		return role
	}
	switch n.Data {
	case "a":
		return "link"
	case "button":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch strings.ToLower(attrValue(n, "type")) {
		case "submit", "button", "reset":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "search":
			return "searchbox"
		default:
			return "textbox"
		}
	}
	// Bare onclick handlers act like buttons.
	return "button"
}

// nodeText flattens the text content of a node, skipping script and style.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return collapseWhitespace(b.String())
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
