package prefetch

// ledger holds pending demand in three FIFO lanes. It is not safe for
// concurrent use; the Manager's mutex guards it.
type ledger struct {
	lanes [numLanes][]*Task
}

func (l *ledger) find(p Priority, key string) int {
	for i, t := range l.lanes[p] {
		if t.Key() == key {
			return i
		}
	}
	return -1
}

// add increments the ref count of a matching entry in lane p or appends a
// new one. It returns the resulting ref count.
func (l *ledger) add(p Priority, url string, width Width, blurhash string) int {
	key := TaskKey(url, width)
	if i := l.find(p, key); i >= 0 {
		t := l.lanes[p][i]
		t.RefCount++
		if t.Blurhash == "" {
			t.Blurhash = blurhash
		}
		return t.RefCount
	}
	l.lanes[p] = append(l.lanes[p], &Task{URL: url, Width: width, Blurhash: blurhash, RefCount: 1})
	return 1
}

// remove drops one reference from the first lane holding key. With p nil
// lanes are searched high to low. It reports whether an entry was found.
func (l *ledger) remove(p *Priority, key string) (Priority, bool) {
	search := []Priority{High, Normal, Low}
	if p != nil {
		search = []Priority{*p}
	}
	for _, lane := range search {
		i := l.find(lane, key)
		if i < 0 {
			continue
		}
		t := l.lanes[lane][i]
		if t.RefCount > 1 {
			t.RefCount--
		} else {
			l.lanes[lane] = append(l.lanes[lane][:i], l.lanes[lane][i+1:]...)
		}
		return lane, true
	}
	return 0, false
}

// pop removes and returns the head of the highest non-empty lane.
func (l *ledger) pop() (Task, Priority, bool) {
	for p := High; p <= Low; p++ {
		if len(l.lanes[p]) == 0 {
			continue
		}
		t := l.lanes[p][0]
		l.lanes[p][0] = nil
		l.lanes[p] = l.lanes[p][1:]
		return *t, p, true
	}
	return Task{}, 0, false
}

func (l *ledger) len() int {
	n := 0
	for _, lane := range l.lanes {
		n += len(lane)
	}
	return n
}

func (l *ledger) snapshot() []PendingTask {
	out := make([]PendingTask, 0, l.len())
	for p := High; p <= Low; p++ {
		for _, t := range l.lanes[p] {
			out = append(out, PendingTask{Task: *t, Priority: p})
		}
	}
	return out
}
