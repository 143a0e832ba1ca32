// Package access resolves a request's credentials into a board-scoped
// permission level. Refinement against a board is a pure function so that
// policy can be tested without any I/O.
package access

import (
	"stallboard/api/internal/store"
)

type Level int

const (
	LevelNone Level = iota
	LevelView
	LevelEdit
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelView:
		return "view"
	case LevelEdit:
		return "edit"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

func ParseLevel(s string) Level {
	switch s {
	case "view":
		return LevelView
	case "edit":
		return LevelEdit
	case "admin":
		return LevelAdmin
	default:
		return LevelNone
	}
}

func (l Level) AtLeast(min Level) bool {
	return l >= min
}

// Context is the outcome of credential classification, before board scoping.
// It is immutable; ForBoard returns the refined level instead of mutating it.
type Context struct {
	Level   Level
	UserID  string
	TokenID string
	BoardID string
}

// Anonymous requests are provisionally granted view on any board. This
// mirrors the public-read behavior of the display clients; whether owned
// boards should stay publicly viewable is an open policy question.
func Anonymous() Context {
	return Context{Level: LevelView}
}

func Denied() Context {
	return Context{Level: LevelNone}
}

func ForSession(userID string) Context {
	return Context{Level: LevelView, UserID: userID}
}

func ForToken(token store.ControllerToken) Context {
	return Context{
		Level:   ParseLevel(token.Permission),
		TokenID: token.ID,
		BoardID: token.BoardID,
	}
}

// ForBoard refines a classified credential against one target board.
// A controller token only stands on the board it was issued for; a session
// is admin on boards its user owns and view elsewhere; anonymous stays view.
func ForBoard(ac Context, board store.Board) Level {
	if ac.TokenID != "" {
		if ac.BoardID == board.ID {
			return ac.Level
		}
		return LevelNone
	}
	if ac.UserID != "" {
		if board.AccountID != nil && *board.AccountID == ac.UserID {
			return LevelAdmin
		}
		return LevelView
	}
	return ac.Level
}
