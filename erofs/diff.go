package erofs

// ChangeKind classifies one path's difference between two squashed
// layer sets.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Modified
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change is one path-level difference between two squashed trees.
type Change struct {
	Path string
	Kind ChangeKind
}

// DiffSquash resolves before and after independently through the same
// whiteout-aware squash SquashLayers uses, then reports every path
// whose presence or metadata differs between the two resulting trees
// — a read-only comparison useful for image-build CI to catch
// unintended layer drift, adapted from the original implementation's
// tarball diff tool (peimage/src/tardiff.rs), generalized here to
// operate on already-squashed layer sets rather than a single tarball
// pair.
func DiffSquash(before, after [][]LayerEntry) []Change {
	beforeOrder, beforeKept, beforeDeleted, beforeOpaque := resolveSquash(before)
	afterOrder, afterKept, afterDeleted, afterOpaque := resolveSquash(after)

	beforeLive := liveSet(beforeOrder, beforeKept, beforeDeleted, beforeOpaque)
	afterLive := liveSet(afterOrder, afterKept, afterDeleted, afterOpaque)

	var changes []Change
	for p, be := range beforeLive {
		ae, ok := afterLive[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Kind: Removed})
		case !sameEntry(be, ae):
			changes = append(changes, Change{Path: p, Kind: Modified})
		}
	}
	for p := range afterLive {
		if _, ok := beforeLive[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: Added})
		}
	}
	return changes
}

func liveSet(order []string, kept map[string]LayerEntry, deletedFiles, opaqueDirs map[string]bool) map[string]LayerEntry {
	live := make(map[string]LayerEntry, len(order))
	for _, p := range order {
		if deletedFiles[p] || ancestorOpaqueOrDeleted(p, opaqueDirs, deletedFiles) {
			continue
		}
		live[p] = kept[p]
	}
	return live
}

func sameEntry(a, b LayerEntry) bool {
	return a.IsDir == b.IsDir &&
		a.IsSymlink == b.IsSymlink &&
		a.Target == b.Target &&
		a.Size == b.Size &&
		a.Meta == b.Meta
}
