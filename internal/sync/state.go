package sync

import (
	"fmt"

	"github.com/schaermu/trisync/internal/role"
)

// State is a step of the per-branch state machine
type State int

const (
	SyncWorkingTrees State = iota
	ProcessBaseCommits
	ProcessOverlayCommits
	ProcessMergedCommits
	PersistResults
	Done
	Failed
)

var stateNames = [...]string{
	SyncWorkingTrees:      "sync-working-trees",
	ProcessBaseCommits:    "process-base-commits",
	ProcessOverlayCommits: "process-overlay-commits",
	ProcessMergedCommits:  "process-merged-commits",
	PersistResults:        "persist-results",
	Done:                  "done",
	Failed:                "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// next returns the state entered when s completes. Terminal states map to themselves.
func (s State) next() State {
	switch s {
	case SyncWorkingTrees:
		return ProcessBaseCommits
	case ProcessBaseCommits:
		return ProcessOverlayCommits
	case ProcessOverlayCommits:
		return ProcessMergedCommits
	case ProcessMergedCommits:
		return PersistResults
	case PersistResults:
		return Done
	default:
		return s
	}
}

// source returns the role whose commits a processing state replays
func (s State) source() (role.Role, bool) {
	switch s {
	case ProcessBaseCommits:
		return role.Base, true
	case ProcessOverlayCommits:
		return role.Overlay, true
	case ProcessMergedCommits:
		return role.Merged, true
	default:
		return 0, false
	}
}
