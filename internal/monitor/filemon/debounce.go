package filemon

import (
	"sort"
	"time"
)

// action names carried in file event payloads.
const (
	actionAdd    = "add"
	actionModify = "modify"
	actionDelete = "delete"
	actionRename = "rename"
	actionNone   = ""
)

// change accumulates the raw notifications seen for one path during the
// debounce window.
type change struct {
	path        string
	created     bool
	written     bool
	removed     bool
	renamedAway bool

	// existedBefore is true when the path was known before the window
	// opened; a create+remove pair on an unknown path is a no-op.
	existedBefore bool

	first time.Time
	last  time.Time
}

// resolve collapses the accumulated notifications into one action.
func (c *change) resolve() string {
	switch {
	case c.removed || c.renamedAway:
		if c.created && !c.existedBefore {
			// Appeared and vanished inside one window.
			return actionNone
		}

		return actionDelete
	case c.created:
		return actionAdd
	case c.written:
		return actionModify
	default:
		return actionNone
	}
}

// coalescer holds per-path pending changes until they have been quiet
// for the debounce interval. Not safe for concurrent use; the watcher
// loop is its only caller.
type coalescer struct {
	window  time.Duration
	pending map[string]*change
}

func newCoalescer(window time.Duration) *coalescer {
	return &coalescer{
		window:  window,
		pending: make(map[string]*change),
	}
}

// note records one raw notification for a path.
func (c *coalescer) note(path string, kind notifyKind, existedBefore bool, now time.Time) {
	entry, ok := c.pending[path]
	if !ok {
		entry = &change{path: path, existedBefore: existedBefore, first: now}
		c.pending[path] = entry
	}

	entry.last = now

	switch kind {
	case notifyCreate:
		entry.created = true
	case notifyWrite:
		entry.written = true
	case notifyRemove:
		entry.removed = true
	case notifyRename:
		entry.renamedAway = true
	}
}

// due removes and returns the changes that have been quiet for the
// window, ordered by first activity so cross-path ordering is stable.
func (c *coalescer) due(now time.Time) []*change {
	var out []*change

	for path, entry := range c.pending {
		if now.Sub(entry.last) >= c.window {
			out = append(out, entry)
			delete(c.pending, path)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].first.Before(out[j].first) })

	return out
}

// drain removes and returns everything pending, regardless of age.
func (c *coalescer) drain() []*change {
	return c.due(time.Now().Add(c.window))
}

// notifyKind is the reduced form of a watcher notification.
type notifyKind int

const (
	notifyCreate notifyKind = iota
	notifyWrite
	notifyRemove
	notifyRename
)
