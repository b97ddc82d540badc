// Package render holds the pure template pipeline: every subject and
// HTML body goes through sanitization and merge-field substitution
// before a send, for campaign templates and follow-up templates alike.
package render

import (
	"regexp"
	"strings"
	"unicode/utf8"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
)

// NormalizeUTF8 guarantees valid UTF-8 output. Invalid byte sequences
// are dropped rather than replaced so no replacement runes leak into
// outbound mail.
func NormalizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}

// StripControlChars removes 0x00-0x08, 0x0B-0x0C, 0x0E-0x1F and 0x7F.
// Newlines, carriage returns and tabs survive only when keepWhitespace
// is set (HTML bodies); subjects drop them too.
func StripControlChars(s string, keepWhitespace bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			if keepWhitespace {
				b.WriteRune(r)
			}
		case r < 0x20 || r == 0x7F:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	encodedWordRe   = regexp.MustCompile(`=\?[^?\s]+\?[BbQq]\?[^?\s]*\?=`)
	truncatedTailRe = regexp.MustCompile(`=\?[^\s]*$`)
	truncatedHeadRe = regexp.MustCompile(`^(?:[^?\s]*\?)+=`)
)

// ScrubEncodedWords removes RFC-2047 =?charset?enc?data?= fragments and
// truncated remnants of the same grammar anchored at the string edges.
// These never belong in a plain template; their presence means the
// upstream import corrupted the content.
func ScrubEncodedWords(s string) string {
	s = encodedWordRe.ReplaceAllString(s, "")
	s = truncatedTailRe.ReplaceAllString(s, "")
	s = truncatedHeadRe.ReplaceAllString(s, "")
	return s
}

// RepairPercentEscapes unescapes a lone letter after '%' ("%P" -> "P")
// because that shape is always a corruption artifact. Anything matching
// a full two-hex-digit escape ("%50", "%20") is left untouched: it may
// be legitimate content such as "Get %50 off". Under-fixing beats
// over-fixing here.
//
// A dropped '%' can expose a new '%'+letter pair ("%%P" -> "%P"), so
// the repair iterates until the output stops changing. Sanitization
// must be a fixed point or retried jobs would see drifting content.
func RepairPercentEscapes(s string) string {
	for {
		out := repairPercentOnce(s)
		if out == s {
			return out
		}
		s = out
	}
}

func repairPercentOnce(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]) {
			b.WriteByte('%')
			continue
		}
		if i+1 < len(s) && isASCIILetter(s[i+1]) {
			continue // drop the '%', keep the letter
		}
		b.WriteByte('%')
	}
	return b.String()
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Sanitize runs the full cleaning pipeline. Subject mode additionally
// strips newlines and tabs.
func Sanitize(s string, subject bool) string {
	s = NormalizeUTF8(s)
	s = StripControlChars(s, !subject)
	s = ScrubEncodedWords(s)
	s = RepairPercentEscapes(s)
	return s
}

var mergeFieldRe = regexp.MustCompile(`\{\{[^{}]*\}\}`)

// RenderMergeFields substitutes every {{ key }} token with the trimmed
// payload value, or the empty string when the key is absent. A dangling
// placeholder in delivered mail is worse than a blank, so substitution
// is total.
func RenderMergeFields(tpl string, payload map[string]string) string {
	return mergeFieldRe.ReplaceAllStringFunc(tpl, func(token string) string {
		key := strings.TrimSpace(token[2 : len(token)-2])
		return strings.TrimSpace(payload[key])
	})
}

// Rendered is the final content of one message.
type Rendered struct {
	Subject string
	HTML    string
	Spam    Report
}

// RenderEmail sanitizes both templates, substitutes the recipient
// payload and scores the result. Empty subject or body after
// sanitization is a ContentError: it will not self-resolve on retry.
func RenderEmail(subjectTpl, htmlTpl string, payload map[string]string) (Rendered, error) {
	subject := RenderMergeFields(Sanitize(subjectTpl, true), payload)
	html := RenderMergeFields(Sanitize(htmlTpl, false), payload)

	if strings.TrimSpace(subject) == "" {
		return Rendered{}, appErrors.NewContent("empty subject after sanitization")
	}
	if strings.TrimSpace(html) == "" {
		return Rendered{}, appErrors.NewContent("empty body after sanitization")
	}

	return Rendered{
		Subject: subject,
		HTML:    html,
		Spam:    ScoreSpam(subject, html),
	}, nil
}
