// Package telegram wraps the two Telegram surfaces the bridge talks
// through: the Bot API for day-to-day traffic and an MTProto user session
// for the operations bots cannot perform.
package telegram

import "strings"

// allowedTags are the HTML constructs callers may pre-format. Input
// containing any of them is assumed already escaped and passes through
// verbatim.
var allowedTags = []string{
	"<a href",
	"<b>",
	"<i>",
	"<code>",
	"<pre>",
	"<blockquote>",
	"<blockquote expandable>",
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// EscapeHTML prepares text for ParseMode HTML. Plain text gets &, < and >
// escaped; text carrying one of the allowed tags is trusted as-is.
func EscapeHTML(s string) string {
	for _, tag := range allowedTags {
		if strings.Contains(s, tag) {
			return s
		}
	}
	return htmlEscaper.Replace(s)
}
