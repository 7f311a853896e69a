package locale

import "testing"

func TestForLanguage(t *testing.T) {
	if got := ForLanguage("ja").T(Online); got != ja[Online] {
		t.Errorf("ja online = %q", got)
	}
	if got := ForLanguage("zh").T(Online); got != zh[Online] {
		t.Errorf("zh online = %q", got)
	}
	// unknown languages fall back to zh
	if got := ForLanguage("fr").Lang(); got != "zh" {
		t.Errorf("fallback lang = %q", got)
	}
}

func TestUnknownTokenVisible(t *testing.T) {
	if got := ForLanguage("zh").T("nope"); got != "[nope]" {
		t.Errorf("unknown token = %q", got)
	}
}

func TestTablesCoverSameTokens(t *testing.T) {
	for token := range zh {
		if _, ok := ja[token]; !ok {
			t.Errorf("ja table missing %q", token)
		}
	}
	for token := range ja {
		if _, ok := zh[token]; !ok {
			t.Errorf("zh table missing %q", token)
		}
	}
}
