// Package i18n interpolates and pluralizes message templates from layered
// dictionaries, matching the behavior of the acquirer-facing UI strings a
// mounted plugin would show a user (e.g. a restriction-failure message).
//
// Dictionaries are layered: a base layer, an optional locale layer, and an
// optional per-plugin layer, each later layer overriding keys the earlier
// ones define. golang.org/x/text/language is used to pick the best-matching
// locale layer out of those registered; the %{name} interpolation and
// smart_count branch dispatch are hand-rolled, because the per-dictionary
// pluralize(n) callback this package exposes is a simpler, library-supplied
// concept than the fixed CLDR plural categories golang.org/x/text/message's
// plural package assumes — a dictionary author supplies whatever function
// fits their language's plural rules, not a fixed set of categories.
package i18n

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// PluralFunc selects which branch of a pluralized entry applies to n.
type PluralFunc func(n int) int

// Dictionary is one layer of translation strings.
type Dictionary struct {
	Locale language.Tag
	// Strings maps a key either to a plain template, or — when the entry
	// is meant to be used with smart_count — to a Plural value.
	Strings map[string]any
	// Pluralize picks the branch index for a given smart_count. Required
	// only for dictionaries that declare Plural entries.
	Pluralize PluralFunc
}

// Plural is a mapping from branch index to template, used when opts
// contains "smart_count".
type Plural []string

// Options are interpolation values for a Translate call. The special key
// "_" is never substituted — it exists so callers can pass metadata without
// it leaking into the template.
type Options map[string]any

const smartCountKey = "smart_count"

// Translator resolves translate() calls against layered dictionaries, the
// last of which wins on key conflicts.
type Translator struct {
	layers []Dictionary
}

// New constructs a Translator from dictionaries ordered base, locale,
// per-plugin (later layers override earlier ones on a per-key basis).
func New(layers ...Dictionary) *Translator {
	return &Translator{layers: layers}
}

// Translate resolves key against the layered dictionaries (last definition
// of key wins) and interpolates opts into the result.
func (t *Translator) Translate(key string, opts Options) string {
	tmpl, _ := t.resolve(key, opts)
	return interpolate(tmpl, opts)
}

// TranslateArray is like Translate but returns a slice of parts rather than
// a joined string — used when one part of the message is a non-text
// widget and so must remain addressable separately by the caller.
func (t *Translator) TranslateArray(key string, opts Options) []string {
	tmpl, _ := t.resolve(key, opts)
	return splitPlaceholders(tmpl, opts)
}

// BestLocale picks the layer whose Locale best matches the given
// preferences, using CLDR-aware matching instead of exact tag comparison
// (e.g. a "de-AT" preference still matches a "de" layer).
func (t *Translator) BestLocale(prefs ...language.Tag) language.Tag {
	tags := make([]language.Tag, 0, len(t.layers))
	for _, l := range t.layers {
		tags = append(tags, l.Locale)
	}
	matcher := language.NewMatcher(tagsOrDefault(tags))
	best, _, _ := matcher.Match(prefs...)
	return best
}

func tagsOrDefault(tags []language.Tag) []language.Tag {
	if len(tags) == 0 {
		return []language.Tag{language.English}
	}
	return tags
}

// resolve finds the last-layer definition of key and, if it is a Plural
// entry, picks the branch indicated by opts["smart_count"] using that
// layer's Pluralize function.
func (t *Translator) resolve(key string, opts Options) (string, PluralFunc) {
	var tmpl any
	var pluralize PluralFunc
	for _, layer := range t.layers {
		if v, ok := layer.Strings[key]; ok {
			tmpl = v
			pluralize = layer.Pluralize
		}
	}

	switch v := tmpl.(type) {
	case string:
		return v, pluralize
	case Plural:
		n := smartCount(opts)
		idx := 0
		if pluralize != nil {
			idx = pluralize(n)
		}
		if idx < 0 || idx >= len(v) {
			idx = len(v) - 1
		}
		if idx < 0 {
			return "", pluralize
		}
		return v[idx], pluralize
	default:
		return "", pluralize
	}
}

func smartCount(opts Options) int {
	if opts == nil {
		return 0
	}
	raw, ok := opts[smartCountKey]
	if !ok {
		return 0
	}
	switch n := raw.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// interpolate substitutes every %{name} placeholder in tmpl with
// fmt.Sprint(opts[name]), skipping "_". Values are escaped so that a "$" in
// a replacement cannot be mistaken for a regex backreference token by any
// downstream regex-based consumer of the result (the classic hazard this
// function exists to avoid).
func interpolate(tmpl string, opts Options) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "%{")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		start += i
		b.WriteString(tmpl[i:start])

		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			b.WriteString(tmpl[start:])
			break
		}
		end += start

		name := tmpl[start+2 : end]
		if name == "_" {
			b.WriteString(tmpl[start : end+1])
		} else if val, ok := opts[name]; ok {
			b.WriteString(escapeDollar(stringify(val)))
		} else {
			b.WriteString(tmpl[start : end+1])
		}
		i = end + 1
	}

	return b.String()
}

// splitPlaceholders is like interpolate but keeps unresolved/_-named
// placeholders as separate array elements instead of inlining them, for
// callers rendering one placeholder as a non-text widget.
func splitPlaceholders(tmpl string, opts Options) []string {
	var parts []string
	var cur strings.Builder

	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "%{")
		if start < 0 {
			cur.WriteString(tmpl[i:])
			break
		}
		start += i
		cur.WriteString(tmpl[i:start])

		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			cur.WriteString(tmpl[start:])
			break
		}
		end += start

		name := tmpl[start+2 : end]
		if val, ok := opts[name]; ok && name != "_" {
			cur.WriteString(escapeDollar(stringify(val)))
			i = end + 1
			continue
		}

		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		parts = append(parts, tmpl[start:end+1])
		i = end + 1
	}

	if cur.Len() > 0 || len(parts) == 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// escapeDollar doubles every "$" in s so that passing the result through a
// regexp.ReplaceAll-style substitution later can never interpret it as a
// backreference (e.g. "$1", "$&").
func escapeDollar(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return strings.ReplaceAll(s, "$", "$$")
}
