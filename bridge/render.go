package bridge

import (
	"fmt"
	"html"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/onnwee/stream-herald/announce"
	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/stream"
	"github.com/onnwee/stream-herald/telegram"
)

// Renderer builds channel messages. All user supplied text is HTML-escaped.
type Renderer struct {
	Login  string
	Social config.Social

	printer *message.Printer
}

// NewRenderer returns a renderer that formats numbers for Russian readers.
func NewRenderer(login string, social config.Social) *Renderer {
	return &Renderer{Login: login, Social: social, printer: message.NewPrinter(language.Russian)}
}

// Viewers formats a viewer count with locale digit grouping.
func (r *Renderer) Viewers(n int) string {
	if r.printer == nil {
		r.printer = message.NewPrinter(language.Russian)
	}
	return r.printer.Sprintf("%d", n)
}

// Announcement is the "stream started" message.
func (r *Renderer) Announcement(s stream.Snapshot) string {
	var b strings.Builder
	b.WriteString("🔴 <b>СТРИМ НАЧАЛСЯ!</b>\n\n")
	fmt.Fprintf(&b, "<b>%s</b>\n\n", esc(s.Title))
	if s.Category != "" {
		fmt.Fprintf(&b, "🎮 Игра: %s\n", esc(s.Category))
	}
	if s.ViewerCount > 0 {
		fmt.Fprintf(&b, "👁‍🗨 Зрителей: %s\n", r.Viewers(s.ViewerCount))
	}
	b.WriteString("\nЗаваривайте чай и залетайте! 👇")
	r.writeChannelLink(&b)
	r.writeFooter(&b)
	return b.String()
}

// Manual is an operator-triggered announcement with a custom title.
func (r *Renderer) Manual(title, category string) string {
	return r.Announcement(stream.Snapshot{IsLive: true, Title: title, Category: category})
}

// Update is the periodic rewrite of the announcement.
func (r *Renderer) Update(u announce.Update) string {
	category := u.Category
	if category == "" {
		category = "Не указана"
	}
	var b strings.Builder
	b.WriteString("🔴 <b>СТРИМ ИДЕТ</b>\n\n")
	fmt.Fprintf(&b, "<b>%s</b>\n\n", esc(u.Title))
	fmt.Fprintf(&b, "⏱ Длительность: %s\n", announce.FormatDuration(u.Minutes))
	fmt.Fprintf(&b, "👁‍🗨 Онлайн: %s зрителей\n\n", r.Viewers(u.ViewerCount))
	fmt.Fprintf(&b, "🎮 Игра: %s\n\n", esc(category))
	b.WriteString("Заходите на стрим! 👇")
	r.writeChannelLink(&b)
	return b.String()
}

// StreamEnd is the optional "stream ended" message.
func (r *Renderer) StreamEnd() string {
	var b strings.Builder
	b.WriteString("📴 <b>СТРИМ ЗАКОНЧИЛСЯ</b>\n\n")
	b.WriteString("Спасибо всем, кто был!")
	if links := r.TextLinks(); links != "" {
		b.WriteString("\n\n")
		b.WriteString(links)
	}
	r.writeFooter(&b)
	return b.String()
}

// TitleChange is the optional notice sent when the title changes mid-stream.
func (r *Renderer) TitleChange(s stream.Snapshot) string {
	var b strings.Builder
	b.WriteString("✏️ <b>Новое название стрима</b>\n\n")
	fmt.Fprintf(&b, "<b>%s</b>", esc(s.Title))
	if s.Category != "" {
		fmt.Fprintf(&b, "\n🎮 Игра: %s", esc(s.Category))
	}
	return b.String()
}

// Test is the connectivity check message.
func (r *Renderer) Test() string {
	return "✅ <b>Тестовое сообщение</b>\n\nБот подключен к каналу и может публиковать анонсы."
}

// TextLinks lists the configured links as plain lines.
func (r *Renderer) TextLinks() string {
	if !r.Social.Enabled {
		return ""
	}
	var lines []string
	for _, row := range r.Social.Buttons {
		for _, btn := range row {
			if btn.URL == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf(`<a href="%s">%s</a>`, esc(btn.URL), esc(btn.Label(r.Social.ShowDescriptions))))
		}
	}
	return strings.Join(lines, "\n")
}

// Keyboard builds the inline keyboard, or nil when links are disabled.
func (r *Renderer) Keyboard() *telegram.InlineKeyboardMarkup {
	if !r.Social.Enabled || len(r.Social.Buttons) == 0 {
		return nil
	}
	kb := &telegram.InlineKeyboardMarkup{}
	for _, row := range r.Social.Buttons {
		var out []telegram.InlineKeyboardButton
		for _, btn := range row {
			if btn.URL == "" {
				continue
			}
			out = append(out, telegram.InlineKeyboardButton{Text: btn.Label(r.Social.ShowDescriptions), URL: btn.URL})
		}
		if len(out) > 0 {
			kb.InlineKeyboard = append(kb.InlineKeyboard, out)
		}
	}
	if len(kb.InlineKeyboard) == 0 {
		return nil
	}
	return kb
}

// Options are the send/edit options for every channel message.
func (r *Renderer) Options() *telegram.Options {
	return &telegram.Options{ParseMode: telegram.ParseModeHTML, ReplyMarkup: r.Keyboard(), DisableLinkPreview: true}
}

func (r *Renderer) writeChannelLink(b *strings.Builder) {
	if r.Login == "" {
		return
	}
	fmt.Fprintf(b, "\n\n👉 <a href=\"https://www.twitch.tv/%s\">twitch.tv/%s</a>", esc(r.Login), esc(r.Login))
}

func (r *Renderer) writeFooter(b *strings.Builder) {
	if r.Social.Footer == "" {
		return
	}
	b.WriteString("\n\n")
	b.WriteString(esc(r.Social.Footer))
}

func esc(s string) string { return html.EscapeString(s) }
