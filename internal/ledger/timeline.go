package ledger

import (
	"slices"

	"github.com/matheus3301/msgsync/internal/protocol"
)

// timeline is the displayed message list of one conversation. Ids are unique.
type timeline struct {
	msgs []protocol.Message
}

func (t *timeline) index(id protocol.MessageID) int {
	return slices.IndexFunc(t.msgs, func(m protocol.Message) bool { return m.ID == id })
}

func (t *timeline) get(id protocol.MessageID) (*protocol.Message, bool) {
	i := t.index(id)
	if i < 0 {
		return nil, false
	}
	return &t.msgs[i], true
}

// insert appends m unless a message with the same id is already present.
func (t *timeline) insert(m protocol.Message) bool {
	if t.index(m.ID) >= 0 {
		return false
	}
	t.msgs = append(t.msgs, m)
	return true
}

func (t *timeline) remove(id protocol.MessageID) bool {
	i := t.index(id)
	if i < 0 {
		return false
	}
	t.msgs = slices.Delete(t.msgs, i, i+1)
	return true
}

// removeOptimistic drops the unacknowledged messages selected by drop and
// returns their ids.
func (t *timeline) removeOptimistic(drop func(protocol.MessageID) bool) []protocol.MessageID {
	var removed []protocol.MessageID
	t.msgs = slices.DeleteFunc(t.msgs, func(m protocol.Message) bool {
		if m.ID.IsOptimistic() && drop(m.ID) {
			removed = append(removed, m.ID)
			return true
		}
		return false
	})
	return removed
}

// sort orders confirmed history by creation time. Optimistic messages keep
// their place at the tail.
func (t *timeline) sort() {
	slices.SortStableFunc(t.msgs, func(a, b protocol.Message) int {
		if a.ID.IsOptimistic() != b.ID.IsOptimistic() {
			if a.ID.IsOptimistic() {
				return 1
			}
			return -1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func (t *timeline) snapshot() []protocol.Message {
	return slices.Clone(t.msgs)
}
