package chat

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	message ChatMessage
	at      time.Time
	seq     uint64
}

func (e entry) before(other entry) bool {
	if !e.at.Equal(other.at) {
		return e.at.Before(other.at)
	}
	return e.seq < other.seq
}

// Timeline is the ordered, id-keyed view of the chat. Messages are kept sorted
// by CreatedAt; messages with the same CreatedAt keep the order they arrived in.
// A message whose id is already known replaces the stored one instead of being
// added twice.
type Timeline struct {
	mu      sync.RWMutex
	entries []entry
	byID    map[string]entry
	nextSeq uint64
}

func NewTimeline() *Timeline {
	return &Timeline{
		entries: make([]entry, 0),
		byID:    map[string]entry{},
	}
}

// Load merges a fetched batch. On an empty timeline the batch is stably sorted
// and becomes the list as is.
func (tl *Timeline) Load(messages []ChatMessage) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if len(tl.entries) > 0 {
		for _, message := range messages {
			tl.upsertLocked(message)
		}
		return
	}

	batch := make([]entry, 0, len(messages))
	for _, message := range messages {
		if message.ID != "" {
			if known, ok := tl.byID[message.ID]; ok {
				i := tl.indexInBatch(batch, known)
				batch[i].message = message
				batch[i].at, _ = message.CreatedAtTime()
				continue
			}
		}
		e := tl.newEntry(message)
		batch = append(batch, e)
		if message.ID != "" {
			tl.byID[message.ID] = e
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].at.Before(batch[j].at)
	})
	// seq must follow list order so later ordered inserts see a consistent key
	for i := range batch {
		batch[i].seq = tl.nextSeq
		tl.nextSeq++
		if batch[i].message.ID != "" {
			tl.byID[batch[i].message.ID] = batch[i]
		}
	}
	tl.entries = batch
}

// Upsert merges a single message and reports whether the list changed.
func (tl *Timeline) Upsert(message ChatMessage) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.upsertLocked(message)
}

func (tl *Timeline) upsertLocked(message ChatMessage) bool {
	if message.ID != "" {
		if known, ok := tl.byID[message.ID]; ok {
			i := tl.position(known)
			if known.message.CreatedAt == message.CreatedAt {
				if known.message == message {
					return false
				}
				tl.entries[i].message = message
				tl.byID[message.ID] = tl.entries[i]
				return true
			}
			tl.entries = append(tl.entries[:i], tl.entries[i+1:]...)
		}
	}

	e := tl.newEntry(message)
	i := sort.Search(len(tl.entries), func(i int) bool {
		return e.before(tl.entries[i])
	})
	tl.entries = append(tl.entries, entry{})
	copy(tl.entries[i+1:], tl.entries[i:])
	tl.entries[i] = e
	if message.ID != "" {
		tl.byID[message.ID] = e
	}
	return true
}

func (tl *Timeline) newEntry(message ChatMessage) entry {
	at, _ := message.CreatedAtTime()
	e := entry{message: message, at: at, seq: tl.nextSeq}
	tl.nextSeq++
	return e
}

// position finds a stored entry by its sort key; (at, seq) is unique.
func (tl *Timeline) position(e entry) int {
	return sort.Search(len(tl.entries), func(i int) bool {
		return !tl.entries[i].before(e)
	})
}

func (tl *Timeline) indexInBatch(batch []entry, e entry) int {
	for i := range batch {
		if batch[i].seq == e.seq {
			return i
		}
	}
	return -1
}

// Messages returns a copy of the ordered list.
func (tl *Timeline) Messages() []ChatMessage {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	messages := make([]ChatMessage, len(tl.entries))
	for i, e := range tl.entries {
		messages[i] = e.message
	}
	return messages
}

func (tl *Timeline) Len() int {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return len(tl.entries)
}
