package sync

import (
	"localtasks/internal/domain"
)

type Winner string

const (
	LocalWins  Winner = "local"
	RemoteWins Winner = "remote"
)

// Resolve applies last-write-wins on updated_at. Ties go to the local copy.
func Resolve(local domain.Task, remote domain.TaskSnapshot) Winner {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return RemoteWins
	}
	return LocalWins
}
