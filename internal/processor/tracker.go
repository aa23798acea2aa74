package processor

import "github.com/segmentio/kafka-go"

type partitionKey struct {
	topic     string
	partition int
}

type partitionState struct {
	pending []kafka.Message
	done    map[int64]bool
}

// offsetTracker orders completions per partition so only the highest contiguous completed
// offset is ever committed. Tasks finish out of order; committing past an unfinished message
// would lose it on a crash.
type offsetTracker struct {
	parts map[partitionKey]*partitionState
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[partitionKey]*partitionState)}
}

// Add registers a fetched message. Messages of a partition must be added in offset order.
func (t *offsetTracker) Add(msg kafka.Message) {
	key := partitionKey{msg.Topic, msg.Partition}
	st, ok := t.parts[key]
	if !ok {
		st = &partitionState{done: make(map[int64]bool)}
		t.parts[key] = st
	}
	st.pending = append(st.pending, msg)
}

// Done marks a message as processed.
func (t *offsetTracker) Done(msg kafka.Message) {
	if st, ok := t.parts[partitionKey{msg.Topic, msg.Partition}]; ok {
		st.done[msg.Offset] = true
	}
}

// Committable pops the completed prefix of every partition and returns its last message.
func (t *offsetTracker) Committable() []kafka.Message {
	var out []kafka.Message
	for key, st := range t.parts {
		n := 0
		for n < len(st.pending) && st.done[st.pending[n].Offset] {
			delete(st.done, st.pending[n].Offset)
			n++
		}
		if n == 0 {
			continue
		}
		out = append(out, st.pending[n-1])
		st.pending = st.pending[n:]
		if len(st.pending) == 0 {
			delete(t.parts, key)
		}
	}
	return out
}

// Pending returns the number of fetched messages not yet committable.
func (t *offsetTracker) Pending() int {
	n := 0
	for _, st := range t.parts {
		n += len(st.pending)
	}
	return n
}

// Reset forgets everything, used when the readers are replaced.
func (t *offsetTracker) Reset() {
	t.parts = make(map[partitionKey]*partitionState)
}
