package chat

import (
	"slices"

	"github.com/matheus3301/towtrack/internal/bus"
)

// room is the state of one job's chat. Only the session actor touches it.
type room struct {
	jobID    string
	messages []Message
	ids      map[string]struct{}

	unread int
	open   bool
	// joined is connection-scoped: cleared on every disconnect.
	joined bool
	// wantJoined is session-scoped: the room is rejoined on every reconnect.
	wantJoined bool

	messagesOut *bus.Latest[[]Message]
	unreadOut   *bus.Latest[int]
}

func newRoom(jobID string) *room {
	return &room{
		jobID:       jobID,
		ids:         make(map[string]struct{}),
		messagesOut: bus.NewLatest[[]Message](nil),
		unreadOut:   bus.NewLatest(0),
	}
}

// merge applies a history batch. Entries already present win over the batch.
// It reports how many messages were added and whether the room changed, which
// includes local sends replaced by their server copy.
func (r *room) merge(batch []Message) (added int, changed bool) {
	for _, m := range batch {
		if m.ID == "" {
			continue
		}
		if handled, replaced := r.confirm(m); handled {
			changed = changed || replaced
			continue
		}
		if r.add(m) {
			added++
			changed = true
		}
	}
	return added, changed
}

func (r *room) add(m Message) bool {
	if _, dup := r.ids[m.ID]; dup {
		return false
	}
	r.ids[m.ID] = struct{}{}
	i, _ := slices.BinarySearchFunc(r.messages, m, compareMessages)
	r.messages = slices.Insert(r.messages, i, m)
	return true
}

// confirm replaces a local send, pending or failed, with its server copy.
// handled is true when m belongs to a local send; replaced is true when the
// room changed.
func (r *room) confirm(m Message) (handled, replaced bool) {
	if m.ClientID == "" {
		return false, false
	}
	if _, dup := r.ids[m.ID]; dup {
		return true, false
	}
	i := slices.IndexFunc(r.messages, func(x Message) bool {
		return (x.Pending || x.Failed) && x.ClientID == m.ClientID
	})
	if i < 0 {
		return false, false
	}
	delete(r.ids, r.messages[i].ID)
	r.messages = slices.Delete(r.messages, i, i+1)
	r.add(m)
	return true, true
}

// fail marks pending sends with the given client ids as failed.
func (r *room) fail(clientIDs map[string]bool) bool {
	changed := false
	for i := range r.messages {
		m := &r.messages[i]
		if m.Pending && clientIDs[m.ClientID] {
			m.Pending = false
			m.Failed = true
			changed = true
		}
	}
	return changed
}

func (r *room) publishMessages() {
	r.messagesOut.Set(slices.Clone(r.messages))
}

func (r *room) setUnread(n int) {
	if r.unread == n {
		return
	}
	r.unread = n
	r.unreadOut.Set(n)
}

func (r *room) close() {
	r.messagesOut.Close()
	r.unreadOut.Close()
}
