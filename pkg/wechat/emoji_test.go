package wechat

import "testing"

func TestExpandAliases(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"zh alias", "你好[微笑]", "你好🙂"},
		{"en alias", "hi [Facepalm]", "hi 🤦"},
		{"multiple", "[呲牙][呲牙]哈哈", "😁😁哈哈"},
		{"unknown kept", "[不存在的表情]测试", "[不存在的表情]测试"},
		{"unclosed kept", "半个[微笑", "半个[微笑"},
		{"no brackets", "plain text", "plain text"},
		{"mixed", "[旺柴]x[没有]y[强]", "🐶x[没有]y👍"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExpandAliases(tc.in); got != tc.want {
				t.Errorf("ExpandAliases(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCollapseEmoji(t *testing.T) {
	if got := CollapseEmoji("早上好🤦"); got != "早上好[捂脸]" {
		t.Errorf("got %q", got)
	}
	if got := CollapseEmoji("🐶🐶"); got != "[旺柴][旺柴]" {
		t.Errorf("got %q", got)
	}
	if got := CollapseEmoji("no emoji here"); got != "no emoji here" {
		t.Errorf("got %q", got)
	}
}

func TestCollapsePrefersChineseAlias(t *testing.T) {
	// 🤮 carries both "吐" and "Puke"; native clients emit the zh form.
	if got := CollapseEmoji("🤮"); got != "[吐]" {
		t.Errorf("got %q", got)
	}
}
