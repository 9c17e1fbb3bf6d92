package client

import (
	"fmt"

	"github.com/andy6609/chatrelay/internal/wire"
	"github.com/gookit/color"
	"github.com/samber/lo"
)

// Renderer formats incoming events for the console of user Me.
type Renderer struct {
	Me      string
	Colours bool
}

func (r Renderer) Render(e wire.ChatEvent) string {
	switch e.Kind {
	case wire.KindServerNotice:
		return r.paint(color.FgYellow, fmt.Sprintf("%s | %s %s", e.Timestamp, e.Author, e.Content))
	case wire.KindDirect:
		line := fmt.Sprintf("%s | DIRECT %s->%s: %s", e.Timestamp, e.Author, r.directTarget(e), e.Content)
		return r.paint(color.FgMagenta, line)
	}
	if e.Author == r.Me {
		return e.Content
	}
	return fmt.Sprintf("%s | %s: %s", e.Timestamp, e.Author, e.Content)
}

// directTarget is the recipient that is not the author, or the author for a
// note to self.
func (r Renderer) directTarget(e wire.ChatEvent) string {
	if e.Author != r.Me {
		return r.Me
	}
	others := lo.Without(e.Recipients, e.Author)
	if len(others) == 0 {
		return e.Author
	}
	return others[0]
}

func (r Renderer) paint(c color.Color, s string) string {
	if !r.Colours {
		return s
	}
	return color.New(c).Render(s)
}
