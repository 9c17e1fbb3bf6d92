package chat

import (
	"strings"
	"unicode"

	"github.com/andy6609/chatrelay/internal/wire"
	"github.com/samber/lo"
)

const maxNameLen = 32

// Outcome tells the router which replay and notice a registration needs.
type Outcome int

const (
	NewUser Outcome = iota + 1
	SameUserNewSession
	Reassociated
)

func (o Outcome) String() string {
	switch o {
	case NewUser:
		return "new_user"
	case SameUserNewSession:
		return "same_user_new_session"
	case Reassociated:
		return "reassociated"
	}
	return "none"
}

// User is a named identity. It outlives its sessions.
type User struct {
	Name      string
	sessions  map[string]*Session // session ID -> session
	cursor    uint64
	hasCursor bool
}

// Registry maps names to users and their live sessions. Sessions only
// carry their bound name; the reverse index lives here. Registry is not
// safe for concurrent use: the router goroutine is its single owner.
type Registry struct {
	users map[string]*User
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*User)}
}

// ValidateName rejects names that could not be addressed by a direct message.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen || name == wire.ServerAuthor {
		return ErrNameInvalid
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return ErrNameInvalid
	}
	return nil
}

func (r *Registry) Register(name string, s *Session) (Outcome, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	if s.name != "" {
		return 0, ErrAlreadyBound
	}

	u, ok := r.users[name]
	if !ok {
		u = &User{Name: name, sessions: make(map[string]*Session)}
		r.users[name] = u
		r.bind(u, s)
		return NewUser, nil
	}

	outcome := SameUserNewSession
	if len(u.sessions) == 0 {
		outcome = Reassociated
	}
	r.bind(u, s)
	return outcome, nil
}

func (r *Registry) bind(u *User, s *Session) {
	u.sessions[s.ID] = s
	s.name = u.Name
}

// Unregister drops s from its user's session set. The user record stays.
// It reports the freed name, or false if s was not bound.
func (r *Registry) Unregister(s *Session) (string, bool) {
	if s.name == "" {
		return "", false
	}
	u, ok := r.users[s.name]
	if !ok {
		return "", false
	}
	if _, bound := u.sessions[s.ID]; !bound {
		return "", false
	}
	delete(u.sessions, s.ID)
	return u.Name, true
}

func (r *Registry) Known(name string) bool {
	_, ok := r.users[name]
	return ok
}

func (r *Registry) ActiveSessions(name string) int {
	if u, ok := r.users[name]; ok {
		return len(u.sessions)
	}
	return 0
}

func (r *Registry) SessionsOf(name string) []*Session {
	u, ok := r.users[name]
	if !ok {
		return nil
	}
	return lo.Values(u.sessions)
}

// BoundSessions returns every session bound to any user.
func (r *Registry) BoundSessions() []*Session {
	var out []*Session
	for _, u := range r.users {
		out = append(out, lo.Values(u.sessions)...)
	}
	return out
}

func (r *Registry) CursorFor(name string) (uint64, bool) {
	u, ok := r.users[name]
	if !ok || !u.hasCursor {
		return 0, false
	}
	return u.cursor, true
}

func (r *Registry) SetCursor(name string, seq uint64) {
	if u, ok := r.users[name]; ok {
		u.cursor = seq
		u.hasCursor = true
	}
}

func (r *Registry) Users() int { return len(r.users) }
