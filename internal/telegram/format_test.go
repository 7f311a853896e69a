package telegram

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestEscapeHTML(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"ampersand", "a & b", "a &amp; b"},
		{"angle brackets", "1 < 2 > 0", "1 &lt; 2 &gt; 0"},
		{"stray tag escaped", "<script>x</script>", "&lt;script&gt;x&lt;/script&gt;"},
		{"bold passthrough", "<b>hi</b> & more", "<b>hi</b> & more"},
		{"link passthrough", `<a href="https://x.y">z</a>`, `<a href="https://x.y">z</a>`},
		{"blockquote passthrough", "<blockquote>from</blockquote>\nbody", "<blockquote>from</blockquote>\nbody"},
		{"expandable blockquote passthrough", "<blockquote expandable>sender</blockquote>\ntext < tail", "<blockquote expandable>sender</blockquote>\ntext < tail"},
		{"code passthrough", "<code>a&b</code>", "<code>a&b</code>"},
		{"pre passthrough", "<pre>x</pre>", "<pre>x</pre>"},
		{"italic passthrough", "<i>x</i>", "<i>x</i>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EscapeHTML(tc.in); got != tc.want {
				t.Errorf("EscapeHTML(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestBotChatIDConversion(t *testing.T) {
	if id, ok := botChatID(&tg.PeerChat{ChatID: 123}); !ok || id != -123 {
		t.Errorf("basic group: %d %v", id, ok)
	}
	if id, ok := botChatID(&tg.PeerChannel{ChannelID: 456}); !ok || id != -1000000000456 {
		t.Errorf("supergroup: %d %v", id, ok)
	}
	if _, ok := botChatID(&tg.PeerUser{UserID: 7}); ok {
		t.Error("user peers must not be bridged")
	}
}
