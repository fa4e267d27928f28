package state

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/querycore/api/schemas"
)

// ErrChainBroken is returned when a recovered history fails verification.
var ErrChainBroken = errors.New("state chain verification failed")

// canonical sorts map keys so equal states always encode to the same bytes.
var canonical = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Hash returns the hex sha256 of the state's canonical encoding. The
// ContentHash field itself is excluded; the parent's hash is included through
// ParentHash, which chains every version to its predecessor.
func Hash(s schemas.OrchestrationState) (string, error) {
	s.ContentHash = ""
	b, err := canonical.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode state %s: %w", s.StateID, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain recomputes every content hash and checks each parent link:
// the parent must be present, its hash must match ParentHash and the version
// must be exactly one above it. Roots must be version 1 without a parent.
func VerifyChain(states []schemas.OrchestrationState) error {
	byID := make(map[string]schemas.OrchestrationState, len(states))
	for _, s := range states {
		byID[s.StateID] = s
	}

	for _, s := range states {
		sum, err := Hash(s)
		if err != nil {
			return err
		}
		if sum != s.ContentHash {
			return fmt.Errorf("%w: state %s content hash mismatch", ErrChainBroken, s.StateID)
		}
		if s.ParentStateID == "" {
			if s.Version != 1 || s.ParentHash != "" {
				return fmt.Errorf("%w: root state %s has version %d", ErrChainBroken, s.StateID, s.Version)
			}
			continue
		}
		parent, ok := byID[s.ParentStateID]
		if !ok {
			return fmt.Errorf("%w: state %s references missing parent %s", ErrChainBroken, s.StateID, s.ParentStateID)
		}
		if parent.ContentHash != s.ParentHash {
			return fmt.Errorf("%w: state %s parent hash mismatch", ErrChainBroken, s.StateID)
		}
		if s.Version != parent.Version+1 {
			return fmt.Errorf("%w: state %s version %d does not follow parent version %d", ErrChainBroken, s.StateID, s.Version, parent.Version)
		}
	}
	return nil
}

// sortHistory orders states by version, then creation instant.
func sortHistory(states []schemas.OrchestrationState) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].Version != states[j].Version {
			return states[i].Version < states[j].Version
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}
