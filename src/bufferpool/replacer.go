package bufferpool

import (
	"errors"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

var ErrNoVictimAvailable = errors.New("no victim available")

// Replacer tracks the evictable subset of frames (pin count zero) and
// picks eviction victims under its policy. Pin and Unpin are idempotent;
// ChooseVictim returns ErrNoVictimAvailable when nothing is evictable.
type Replacer interface {
	Pin(frameID common.FrameID)
	Unpin(frameID common.FrameID)
	ChooseVictim() (common.FrameID, error)
	GetSize() uint64
}
