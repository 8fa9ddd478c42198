package telegram

import (
	"testing"

	"github.com/m-mizutani/gt"
)

func TestChannelRoundTrip(t *testing.T) {
	tests := []struct {
		chat   int64
		thread int
		want   string
	}{
		{chat: -1001234567890, want: "-1001234567890"},
		{chat: -1001234567890, thread: 42, want: "-1001234567890:42"},
		{chat: 55, want: "55"},
	}
	for _, tt := range tests {
		s := FormatChannel(tt.chat, tt.thread)
		gt.Equal(t, s, tt.want)
		chat, thread, err := ParseChannel(s)
		gt.NoError(t, err).Required()
		gt.Equal(t, chat, tt.chat)
		gt.Equal(t, thread, tt.thread)
	}
}

func TestParseChannelInvalid(t *testing.T) {
	for _, s := range []string{"", "abc", "0", "12:x", "12:-1"} {
		_, _, err := ParseChannel(s)
		gt.Error(t, err)
	}
}

func TestRenderHTML(t *testing.T) {
	a := &Adapter{}
	got := renderHTML(a.Mention("42") + " reminder: <b>&</b>")
	gt.Equal(t, got, `<a href="tg://user?id=42">@42</a> reminder: &lt;b&gt;&amp;&lt;/b&gt;`)

	gt.Equal(t, renderHTML("plain"), "plain")
	gt.Equal(t, renderHTML(a.Mention("bob")+"!"), "bob!")
}

func TestUserTextCannotForgeMention(t *testing.T) {
	a := &Adapter{}
	forged := stripNUL("\x00m:7\x00 hi")
	gt.Equal(t, forged, "m:7 hi")
	gt.Equal(t, renderHTML(a.Mention("42")+" reminder: "+forged),
		`<a href="tg://user?id=42">@42</a> reminder: m:7 hi`)

	// stray delimiters are dropped rather than rendered
	gt.Equal(t, renderHTML("a\x00b"), "ab")
}
