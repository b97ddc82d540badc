package render

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	hrefRe      = regexp.MustCompile(`href=["']([^"']+)["']`)
	bodyCloseRe = regexp.MustCompile(`(?i)</body>`)
)

// Links builds the tracking URLs injected into outbound HTML. Base is
// the externally reachable root of the tracking endpoints.
type Links struct {
	Base string
}

func (l Links) OpenPixelURL(messageLogID int) string {
	return fmt.Sprintf("%s/track/open/%d", strings.TrimRight(l.Base, "/"), messageLogID)
}

func (l Links) ClickURL(messageLogID int, target string) string {
	return fmt.Sprintf("%s/track/click/%d?u=%s",
		strings.TrimRight(l.Base, "/"), messageLogID, url.QueryEscape(target))
}

// InjectOpenPixel appends an invisible 1x1 image referencing the
// message log. The pixel goes just before </body> when one exists so
// clients that truncate long bodies still load it late. The tag is
// matched case-insensitively on the original string; offsets from a
// lowered copy would drift on runes whose lowercase form changes byte
// length and could split a multi-byte rune.
func InjectOpenPixel(html, pixelURL string) string {
	img := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none;" alt="" />`, pixelURL)
	if locs := bodyCloseRe.FindAllStringIndex(html, -1); len(locs) > 0 {
		idx := locs[len(locs)-1][0]
		return html[:idx] + img + html[idx:]
	}
	return html + img
}

// RewriteLinks replaces every href with the redirect built by fn.
// mailto:, tel: and fragment links are presentation-only and stay as
// they are.
func RewriteLinks(html string, fn func(target string) string) string {
	return hrefRe.ReplaceAllStringFunc(html, func(attr string) string {
		m := hrefRe.FindStringSubmatch(attr)
		target := m[1]
		if strings.HasPrefix(target, "mailto:") ||
			strings.HasPrefix(target, "tel:") ||
			strings.HasPrefix(target, "#") {
			return attr
		}
		return `href="` + fn(target) + `"`
	})
}
