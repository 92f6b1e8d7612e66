package model

import "fmt"

// Level is an ordered capability tier on a document.
// view < comment < edit < admin.
type Level int

const (
	LevelNone Level = iota
	LevelView
	LevelComment
	LevelEdit
	LevelAdmin
)

var levelNames = map[Level]string{
	LevelNone:    "none",
	LevelView:    "view",
	LevelComment: "comment",
	LevelEdit:    "edit",
	LevelAdmin:   "admin",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// AtLeast reports whether l grants everything min grants.
func (l Level) AtLeast(min Level) bool { return l >= min }

// ParseLevel converts a stored level name to a Level.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown level %q", s)
}
