// Package events is the structured, hash-chained audit trail of every state
// change the protocol makes. Off-chain observers rebuild protocol history from
// it; it is the only record kept beyond the boolean ledgers.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
)

// Kind names an event type.
type Kind string

const (
	KindAuthorizationChanged Kind = "agent.authorization_changed"
	KindUpdateApplied        Kind = "update.applied"
	KindCommitmentConsumed   Kind = "commitment.consumed"
	KindCommitmentRevealed   Kind = "commitment.revealed"
	KindCrossChainConsumed   Kind = "crosschain.consumed"
	KindRootUpdated          Kind = "root.updated"
	KindURIPolicyUpdated     Kind = "uri.policy_updated"
)

// ErrChainBroken is returned by VerifyChain when an event does not link to its predecessor.
var ErrChainBroken = errors.New("event chain broken")

// Event is one indexed audit record.
type Event struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"`
	Kind      Kind              `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields"`
	PrevHash  crypto.Hash       `json:"prev_hash"`
	Hash      crypto.Hash       `json:"hash"`
}

// Filter selects events from a Log. Zero values match everything.
type Filter struct {
	Kind     Kind
	AfterSeq uint64
	Limit    int
}

func (f Filter) match(e Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return e.Seq > f.AfterSeq
}

// Log appends and lists events.
type Log interface {
	Append(ctx context.Context, kind Kind, fields map[string]string) (Event, error)
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Seal builds the next event after prev (nil for the first event) and computes its hash.
func Seal(prev *Event, kind Kind, fields map[string]string, ts time.Time) (Event, error) {
	e := Event{
		ID:        uuid.New().String(),
		Seq:       1,
		Kind:      kind,
		Timestamp: ts.UTC(),
		Fields:    fields,
	}
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if prev != nil {
		e.Seq = prev.Seq + 1
		e.PrevHash = prev.Hash
	}
	h, err := contentHash(e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = h
	return e, nil
}

// VerifyChain re-walks a contiguous run of events, oldest first.
func VerifyChain(events []Event) error {
	for i, e := range events {
		h, err := contentHash(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, e.Seq)
		}
		if i == 0 {
			continue
		}
		prev := events[i-1]
		if e.Seq != prev.Seq+1 || e.PrevHash != prev.Hash {
			return fmt.Errorf("%w: event %d does not follow %d", ErrChainBroken, e.Seq, prev.Seq)
		}
	}
	return nil
}

func contentHash(e Event) (crypto.Hash, error) {
	return crypto.NewCanonicalHasher().Hash(map[string]any{
		"id":        e.ID,
		"seq":       e.Seq,
		"kind":      e.Kind,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"fields":    e.Fields,
		"prev_hash": e.PrevHash.Hex(),
	})
}
