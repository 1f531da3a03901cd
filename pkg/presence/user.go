package presence

import (
	"encoding/json"
	"math/rand/v2"
)

const (
	FieldUser   = "user"
	FieldCursor = "cursor"

	DefaultName = "Anonymous"
)

// Palette is the set of colors handed out to collaborators.
var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E9",
}

func RandomColor() string {
	return Palette[rand.IntN(len(Palette))]
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RemoteCursor is a peer's cursor joined with its identity.
type RemoteCursor struct {
	User
	Cursor
}

func (s State) User() (User, bool) {
	var u User
	raw, ok := s[FieldUser]
	if !ok || json.Unmarshal(raw, &u) != nil {
		return User{}, false
	}
	return u, true
}

func (s State) Cursor() (Cursor, bool) {
	var c Cursor
	raw, ok := s[FieldCursor]
	if !ok || string(raw) == "null" || json.Unmarshal(raw, &c) != nil {
		return Cursor{}, false
	}
	return c, true
}

// Cursors extracts every peer that has both an identity and a cursor, keyed by user id.
func Cursors(peers map[ClientID]State) map[string]RemoteCursor {
	out := make(map[string]RemoteCursor, len(peers))
	for _, s := range peers {
		u, ok := s.User()
		if !ok {
			continue
		}
		c, ok := s.Cursor()
		if !ok {
			continue
		}
		out[u.ID] = RemoteCursor{User: u, Cursor: c}
	}
	return out
}
