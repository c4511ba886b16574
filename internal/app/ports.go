// Package app holds the coordinator's two moving parts: the event router
// that validates and fans out traffic, and the lifecycle handler that walks a
// connection from authentication to cleanup.
package app

import (
	"context"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

// MessageStore persists chat messages. Append runs before fan-out so a crash
// mid-fan-out never delivers an unpersisted message.
type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) (domain.Message, error)
}

// MatchDirectory lists the mutual-match relationships of a user; the set
// that hears about presence changes.
type MatchDirectory interface {
	MutualsOf(ctx context.Context, uid domain.UserID) ([]domain.UserID, error)
}
