package render

import (
	"regexp"
	"strings"
)

// FlagThreshold is the aggregate score at or above which a message is
// flagged. Flagging never blocks a send; false positives silently
// dropping legitimate campaign mail would be worse than noisy flags.
const FlagThreshold = 5

// Report is the outcome of spam scoring for one rendered message.
type Report struct {
	Score   int
	Reasons []string
	Flagged bool
}

var triggerPhrases = []string{
	"act now",
	"100% free",
	"free money",
	"risk free",
	"winner",
	"congratulations you",
	"click here",
	"limited time offer",
	"double your",
	"no obligation",
	"earn extra cash",
	"miracle",
	"viagra",
	"casino",
}

var shortenerHosts = []string{
	"bit.ly/",
	"tinyurl.com/",
	"goo.gl/",
	"t.co/",
	"ow.ly/",
	"is.gd/",
	"buff.ly/",
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripTags(html string) string {
	return tagRe.ReplaceAllString(html, " ")
}

// ScoreSpam scores subject and body against trigger phrases,
// punctuation density, all-caps words, HTML-to-text ratio and link
// shorteners.
func ScoreSpam(subject, html string) Report {
	r := Report{}
	text := stripTags(html)
	combined := subject + " " + text
	lower := strings.ToLower(combined)

	for _, phrase := range triggerPhrases {
		if strings.Contains(lower, phrase) {
			r.add(1, "trigger phrase: "+phrase)
		}
	}

	if punctDensity(combined) > 0.05 {
		r.add(2, "excessive punctuation")
	}

	if capsRatio(combined) > 0.3 {
		r.add(2, "shouting")
	}

	if len(html) > 200 && float64(len(strings.TrimSpace(text)))/float64(len(html)) < 0.3 {
		r.add(1, "markup-heavy body")
	}

	// Shortened links hide in href attributes, so scan the raw markup.
	rawLower := strings.ToLower(subject + " " + html)
	for _, host := range shortenerHosts {
		if strings.Contains(rawLower, host) {
			r.add(2, "shortened link: "+strings.TrimSuffix(host, "/"))
			break
		}
	}

	r.Flagged = r.Score >= FlagThreshold
	return r
}

func (r *Report) add(points int, reason string) {
	r.Score += points
	r.Reasons = append(r.Reasons, reason)
}

func punctDensity(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	punct := 0
	for _, c := range s {
		switch c {
		case '!', '$', '*':
			punct++
		}
	}
	return float64(punct) / float64(len(s))
}

func capsRatio(s string) float64 {
	words := strings.Fields(s)
	if len(words) == 0 {
		return 0
	}
	caps := 0
	eligible := 0
	for _, w := range words {
		letters := 0
		upper := 0
		for _, c := range w {
			if c >= 'A' && c <= 'Z' {
				letters++
				upper++
			} else if c >= 'a' && c <= 'z' {
				letters++
			}
		}
		if letters < 3 {
			continue
		}
		eligible++
		if upper == letters {
			caps++
		}
	}
	if eligible == 0 {
		return 0
	}
	return float64(caps) / float64(eligible)
}
