// Package tgui holds small Telegram presentation helpers: HTML-safe text
// rendering for ParseMode="HTML" and an inline keyboard builder.
package tgui

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// H is HTML that is safe to hand to Telegram with ParseMode="HTML".
// Values of type H are treated as already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text for HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Mention renders a clickable link to a Telegram user.
func Mention(name string, userID int64) H {
	return H(fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(name)))
}

// Lines joins parts with newlines, skipping empty ones.
func Lines(parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, "\n"))
}

// TruncRunes shortens s to at most n runes, appending an ellipsis when it
// actually truncates.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	out := make([]rune, 0, n)
	for _, r := range s {
		if len(out) == n {
			break
		}
		out = append(out, r)
	}
	return string(out) + "…"
}

// Inline accumulates rows of inline keyboard buttons.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends one row of buttons.
func (i *Inline) Row(btns ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btns...))
	i.rm.Inline(i.rows...)
	return i
}

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn makes a callback button carrying raw callback data.
func Btn(text, unique, data string) tele.Btn {
	return tele.Btn{Text: text, Unique: unique, Data: data}
}
