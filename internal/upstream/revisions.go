package upstream

import "hash/fnv"

const maxTrackedIDs = 4096

type revision struct {
	digest uint64
	count  int
}

// revisions remembers the most recent upstream event ids of an epoch with a
// digest of their data. A replayed id with the same data is a duplicate, a
// re-sent id with other data is a new revision of that event.
type revisions struct {
	entries map[string]revision
	order   []string
	next    int
}

func newRevisions(capacity int) *revisions {
	return &revisions{
		entries: make(map[string]revision, capacity),
		order:   make([]string, 0, capacity),
	}
}

// observe records id with its data. It returns the revision of the event and
// false when the same id was already seen with identical data.
func (r *revisions) observe(id, data string) (int, bool) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(data))
	digest := h.Sum64()

	if entry, ok := r.entries[id]; ok {
		if entry.digest == digest {
			return entry.count, false
		}

		entry.digest = digest
		entry.count++
		r.entries[id] = entry

		return entry.count, true
	}

	if len(r.order) < cap(r.order) {
		r.order = append(r.order, id)
	} else {
		delete(r.entries, r.order[r.next])
		r.order[r.next] = id
		r.next = (r.next + 1) % len(r.order)
	}

	r.entries[id] = revision{digest: digest}

	return 0, true
}

func (r *revisions) reset() {
	clear(r.entries)
	r.order = r.order[:0]
	r.next = 0
}
