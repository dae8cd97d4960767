package metadatatree

// descKey is one entry of a directory's descendant multiset: directories
// contribute (uid, gid, mode, ∅) and files contribute (uid, gid, ∅, mode).
type descKey struct {
	UID, GID uint32
	HasDMode bool
	DMode    uint32
	HasFMode bool
	FMode    uint32
}

func dirKey(m Meta) descKey  { return descKey{UID: m.UID, GID: m.GID, HasDMode: true, DMode: m.Mode} }
func fileKey(m Meta) descKey { return descKey{UID: m.UID, GID: m.GID, HasFMode: true, FMode: m.Mode} }

// Compact computes, for every directory reachable from the root, its
// descendant multiset and best_subtree tuple, bottom-up. Call after Resolve.
func (t *Tree) Compact() {
	compactNode(t.root)
}

// compactNode returns the contribution this node itself makes to its
// parent's descendant multiset: one entry for a directory, one for a
// file. Directories recurse first to build their own descendant set.
func compactNode(n *Node) descKey {
	if n.IsDir {
		n.descCounts = map[descKey]int{}
		for _, child := range n.children {
			contribution := compactNode(child)
			addEntry(n, contribution, 1)
			if child.IsDir {
				for _, k := range child.descEntries {
					addEntry(n, k, child.descCounts[k])
				}
			}
		}
		computeBestSubtree(n)
	}
	return contributionKey(n)
}

func contributionKey(n *Node) descKey {
	if n.IsDir {
		return dirKey(n.Meta)
	}
	return fileKey(n.Meta)
}

// addEntry increments the count for key in n's descendant multiset by
// delta, recording first-seen order in n.descEntries.
func addEntry(n *Node, key descKey, delta int) {
	if delta == 0 {
		return
	}
	if _, seen := n.descCounts[key]; !seen {
		n.descEntries = append(n.descEntries, key)
	}
	n.descCounts[key] += delta
}

// computeBestSubtree picks best_owner by largest count (first-seen wins
// ties), then best_dmode
// and best_fmode among that owner's descendants (last-seen wins ties,
// since the comparison is "this count >= current best").
func computeBestSubtree(n *Node) {
	if len(n.descEntries) == 0 {
		n.best = BestSubtree{UID: 0, GID: 0, DMode: n.Meta.Mode, FMode: n.Meta.Mode}
		n.hasBest = true
		return
	}

	type ownerKey struct{ UID, GID uint32 }
	ownerOrder := make([]ownerKey, 0, len(n.descEntries))
	ownerCounts := map[ownerKey]int{}
	for _, k := range n.descEntries {
		ok := ownerKey{UID: k.UID, GID: k.GID}
		if _, seen := ownerCounts[ok]; !seen {
			ownerOrder = append(ownerOrder, ok)
		}
		ownerCounts[ok] += n.descCounts[k]
	}

	bestOwner := ownerOrder[0]
	bestOwnerCount := ownerCounts[bestOwner]
	for _, ok := range ownerOrder[1:] {
		if ownerCounts[ok] > bestOwnerCount {
			bestOwner = ok
			bestOwnerCount = ownerCounts[ok]
		}
	}

	var bestDMode, bestFMode uint32
	var dModeCount, fModeCount int
	haveDMode, haveFMode := false, false
	for _, k := range n.descEntries {
		if k.UID != bestOwner.UID || k.GID != bestOwner.GID {
			continue
		}
		count := n.descCounts[k]
		if k.HasDMode {
			if !haveDMode || count >= dModeCount {
				bestDMode, dModeCount, haveDMode = k.DMode, count, true
			}
		}
		if k.HasFMode {
			if !haveFMode || count >= fModeCount {
				bestFMode, fModeCount, haveFMode = k.FMode, count, true
			}
		}
	}
	if !haveDMode {
		bestDMode = n.Meta.Mode
	}
	if !haveFMode {
		bestFMode = n.Meta.Mode
	}

	n.best = BestSubtree{UID: bestOwner.UID, GID: bestOwner.GID, DMode: bestDMode, FMode: bestFMode}
	n.hasBest = true
}
