package tgui

import "testing"

func TestEscaping(t *testing.T) {
	if got := Esc(`<b & "x">`).String(); got != "&lt;b &amp; &#34;x&#34;&gt;" {
		t.Errorf("Esc = %q", got)
	}
	if got := Code("a<b").String(); got != "<code>a&lt;b</code>" {
		t.Errorf("Code = %q", got)
	}
	if got := Mention("<admin>", 7).String(); got != `<a href="tg://user?id=7">&lt;admin&gt;</a>` {
		t.Errorf("Mention = %q", got)
	}
}

func TestLinesSkipsEmpty(t *testing.T) {
	if got := Lines(B("a"), "", I("b")).String(); got != "<b>a</b>\n<i>b</i>" {
		t.Errorf("Lines = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	tests := []struct {
		s    string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hell…"},
		{"привет", 3, "при…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.s, tt.n); got != tt.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
		}
	}
}
