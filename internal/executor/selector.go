package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/archetype-hq/archetype/api/schemas"
)

// The planner frequently echoes digest selector hints ("text=Pay now",
// "button[Sign up]") back in target.selector. Candidates folds those hints
// into the text/role/name strategies instead of handing them to the browser
// as CSS.

// roleHintPattern matches the digest's compact "role[name]" hint form. CSS
// attribute selectors are excluded by forbidding '=' and ']' inside the
// brackets; quoted values are rejected separately.
var roleHintPattern = regexp.MustCompile(`^([a-z]+)\[([^\]=]+)\]$`)

// simpleTokenPattern gates values that are safe to embed in id/class CSS
// selectors without escaping.
var simpleTokenPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// roleClassSelectors maps a bare target role onto the CSS element class that
// carries it implicitly.
var roleClassSelectors = map[string]string{
	"button":    `button, [role="button"], input[type="submit"], input[type="button"]`,
	"link":      `a[href], [role="link"]`,
	"textbox":   `input[type="text"], input[type="email"], input[type="password"], input:not([type]), textarea, [role="textbox"]`,
	"searchbox": `input[type="search"], [role="searchbox"]`,
	"checkbox":  `input[type="checkbox"], [role="checkbox"]`,
	"radio":     `input[type="radio"], [role="radio"]`,
	"combobox":  `select, [role="combobox"]`,
}

// Candidates builds the ordered selector candidates for a planned action:
// explicit selector first, then text variants, role+name, the bare role
// element class, and finally name-attribute fallbacks. Each candidate is
// either a CSS selector or an XPath expression ("/" or "(" prefix).
func Candidates(action schemas.PlannedAction) []string {
	t := action.Target
	fill := action.Type == schemas.ActionFill

	var out []string
	seen := make(map[string]bool)
	add := func(sel string) {
		if sel != "" && !seen[sel] {
			seen[sel] = true
			out = append(out, sel)
		}
	}

	text := strings.TrimSpace(t.Text)
	role := strings.TrimSpace(t.Role)
	name := strings.TrimSpace(t.Name)

	var rawHint string
	if sel := strings.TrimSpace(t.Selector); sel != "" {
		switch {
		case strings.HasPrefix(sel, "text="):
			if text == "" {
				text = trimTextHint(sel)
			}
		default:
			if r, n, ok := splitRoleHint(sel); ok {
				if role == "" {
					role = r
				}
				if name == "" {
					name = n
				}
				// The hint form is ambiguous with valueless CSS attribute
				// selectors like a[href]; keep the literal as a last resort.
				rawHint = sel
			} else {
				add(sel)
			}
		}
	}

	if text != "" {
		for _, sel := range textCandidates(text, fill) {
			add(sel)
		}
	}
	if role != "" && name != "" {
		for _, sel := range roleNameCandidates(role, name) {
			add(sel)
		}
	}
	if role != "" {
		add(roleClassSelector(role))
	}
	if name != "" {
		for _, sel := range nameCandidates(name, fill) {
			add(sel)
		}
	}
	add(rawHint)
	return out
}

func trimTextHint(sel string) string {
	text := strings.TrimSpace(strings.TrimPrefix(sel, "text="))
	text = strings.Trim(text, `"'`)
	return strings.TrimSpace(text)
}

func splitRoleHint(sel string) (role, name string, ok bool) {
	m := roleHintPattern.FindStringSubmatch(sel)
	if m == nil {
		return "", "", false
	}
	if strings.ContainsAny(m[2], `"'`) {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

func textCandidates(text string, fill bool) []string {
	lit := xpathLiteral(text)
	if fill {
		return []string{
			fmt.Sprintf(`//input[contains(@placeholder, %s)] | //textarea[contains(@placeholder, %s)]`, lit, lit),
			fmt.Sprintf(`//*[@aria-label=%s]`, lit),
			fmt.Sprintf(`//*[contains(@aria-label, %s)]`, lit),
		}
	}
	return []string{
		fmt.Sprintf(`//a[normalize-space()=%s] | //button[normalize-space()=%s] | //*[@role='button' and normalize-space()=%s] | //input[@value=%s]`, lit, lit, lit, lit),
		fmt.Sprintf(`//a[contains(normalize-space(), %s)] | //button[contains(normalize-space(), %s)]`, lit, lit),
		fmt.Sprintf(`//*[@aria-label=%s]`, lit),
		fmt.Sprintf(`//*[contains(@title, %s)]`, lit),
	}
}

func roleNameCandidates(role, name string) []string {
	lit := xpathLiteral(name)
	out := []string{fmt.Sprintf(`//*[@aria-label=%s]`, lit)}

	switch role {
	case "button":
		out = append(out, fmt.Sprintf(`//button[normalize-space()=%s] | //input[@type='submit' and @value=%s] | //input[@type='button' and @value=%s]`, lit, lit, lit))
	case "link":
		out = append(out, fmt.Sprintf(`//a[normalize-space()=%s]`, lit))
	case "textbox", "searchbox":
		out = append(out,
			fmt.Sprintf(`//input[@name=%s] | //textarea[@name=%s]`, lit, lit),
			fmt.Sprintf(`//input[@id=//label[normalize-space()=%s]/@for]`, lit))
	case "checkbox", "radio":
		out = append(out, fmt.Sprintf(`//input[@type='%s'][@name=%s or @value=%s]`, role, lit, lit))
	case "combobox":
		out = append(out, fmt.Sprintf(`//select[@name=%s]`, lit))
	}

	out = append(out, fmt.Sprintf(`//*[@role=%s][@aria-label=%s or normalize-space()=%s]`, xpathLiteral(role), lit, lit))
	return out
}

func roleClassSelector(role string) string {
	if sel, ok := roleClassSelectors[role]; ok {
		return sel
	}
	if simpleTokenPattern.MatchString(role) {
		return fmt.Sprintf(`[role=%q]`, role)
	}
	return ""
}

func nameCandidates(name string, fill bool) []string {
	if !simpleTokenPattern.MatchString(name) {
		return []string{fmt.Sprintf(`//*[@name=%s]`, xpathLiteral(name))}
	}
	if fill {
		return []string{
			fmt.Sprintf(`input[name=%q], textarea[name=%q]`, name, name),
			fmt.Sprintf(`[name=%q]`, name),
			fmt.Sprintf(`[data-testid=%q]`, name),
			"#" + name,
		}
	}
	return []string{
		fmt.Sprintf(`[name=%q]`, name),
		fmt.Sprintf(`[data-testid=%q]`, name),
		"#" + name,
		"." + name,
	}
}

// isXPath mirrors the session's selector dispatch rule.
func isXPath(selector string) bool {
	return strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(")
}

// xpathLiteral quotes s as an XPath 1.0 string literal. Values containing
// both quote kinds need the concat() form.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	for i, p := range parts {
		parts[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(parts, `, "'", `) + ")"
}
