package parsing

import "strings"

// TokenSpec pairs a token with whether it may be omitted. An omitted
// optional token records a nil value and does not advance the cursor.
type TokenSpec struct {
	Token    Token
	Optional bool
}

// Required wraps a token as a mandatory TokenSpec.
func Required(t Token) TokenSpec { return TokenSpec{Token: t} }

// Optional wraps a token as an omittable TokenSpec.
func Optional(t Token) TokenSpec { return TokenSpec{Token: t, Optional: true} }

// Parser searches text for any of its anchors and then greedily
// consumes the token list in order. Commands with escaped aliases
// (e.g. `$paid\_with\_id` for `$paid_with_id`) list both spellings as
// anchors.
type Parser struct {
	anchors []string
	tokens  []TokenSpec
}

// NewParser builds a parser over one or more literal anchors.
func NewParser(anchors []string, tokens ...TokenSpec) *Parser {
	return &Parser{anchors: anchors, tokens: tokens}
}

// Parse attempts to locate an anchor and consume every token after it.
// On success it returns the ordered token values, with nil for omitted
// optional tokens. If no anchor occurrence yields a full match it
// returns nil.
//
// A required-token failure abandons the current anchor occurrence and
// the search resumes just after that occurrence's start index, so a
// later occurrence of the same (or another) anchor can still match.
func (p *Parser) Parse(text string) []any {
	// Per-anchor search cursor; each find starts where the last
	// attempt for that anchor left off.
	from := make([]int, len(p.anchors))

	for {
		anchorIdx, start := -1, -1
		for i, anchor := range p.anchors {
			if from[i] > len(text) {
				continue
			}
			at := strings.Index(text[from[i]:], anchor)
			if at < 0 {
				from[i] = len(text) + 1
				continue
			}
			at += from[i]
			if start < 0 || at < start {
				anchorIdx, start = i, at
			}
		}
		if anchorIdx < 0 {
			return nil
		}
		from[anchorIdx] = start + 1

		if values, ok := p.consumeAt(text, start+len(p.anchors[anchorIdx])); ok {
			return values
		}
	}
}

func (p *Parser) consumeAt(text string, offset int) ([]any, bool) {
	values := make([]any, 0, len(p.tokens))
	for _, spec := range p.tokens {
		var (
			consumed int
			value    any
			ok       bool
		)
		if offset <= len(text) {
			consumed, value, ok = spec.Token.Consume(text, offset)
		}
		if !ok {
			if !spec.Optional {
				return nil, false
			}
			values = append(values, nil)
			continue
		}
		values = append(values, value)
		offset += consumed
	}
	return values, true
}
