package wire

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// ServerAuthor is the author name carried by every server notice.
const ServerAuthor = "[Server]"

type Kind int

const (
	KindInit Kind = iota
	KindBroadcast
	KindServerNotice
	KindDirect
)

var kindNames = map[Kind]string{
	KindInit:         "init",
	KindBroadcast:    "message",
	KindServerNotice: "servermsg",
	KindDirect:       "direct",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a wire event name to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event %q", name)
}

// ChatEvent is one relayed event. Seq is the position in the full history
// log (1-based); zero means the event was never stored.
type ChatEvent struct {
	Author     string
	Kind       Kind
	Content    string
	Timestamp  string
	Seq        uint64
	Recipients []string
}

// VisibleTo reports whether viewer may see e. Only direct events are
// restricted, to their recipient set.
func (e ChatEvent) VisibleTo(viewer string) bool {
	if e.Kind != KindDirect {
		return true
	}
	return lo.Contains(e.Recipients, viewer)
}

// DefaultZone is the fixed offset used for wire timestamps (UTC+3).
var DefaultZone = time.FixedZone("UTC+3", 3*60*60)

// Stamp formats t as HH:MM:SS in loc, falling back to DefaultZone.
func Stamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = DefaultZone
	}
	return t.In(loc).Format(time.TimeOnly)
}
