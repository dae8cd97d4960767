package metadatatree

// PermissionEmitter receives the permission-setting plan computed by
// Emit. The installer script builder implements this interface directly
// so the tree never needs to know about the installer DSL's primitive
// types.
type PermissionEmitter interface {
	SetPerm(devicePath string, uid, gid, mode uint32)
	SetPermRecursive(devicePath string, uid, gid, dmode, fmode uint32)
}

// sentinel never compares equal to any real BestSubtree, so the first
// directory visited always emits against it.
var sentinel = BestSubtree{UID: ^uint32(0), GID: ^uint32(0), DMode: ^uint32(0), FMode: ^uint32(0)}

// Emit performs a single traversal starting at the
// "system" subtree root, emitting SetPermRecursive whenever a
// directory's best_subtree differs from the inherited context, and
// SetPerm whenever a node's own resolved tuple differs from the active
// context's matching slot.
func (t *Tree) Emit(emitter PermissionEmitter) {
	root, ok := t.Lookup("system")
	if !ok {
		return
	}
	emitSubtree(root, sentinel, emitter)
}

func emitSubtree(n *Node, context BestSubtree, emitter PermissionEmitter) {
	if n.IsDir {
		best, hasBest := n.BestSubtree()
		active := context
		if !hasBest || best != context {
			if hasBest {
				emitter.SetPermRecursive(devicePath(n.Path), best.UID, best.GID, best.DMode, best.FMode)
				active = best
			}
		}
		if n.Meta.UID != active.UID || n.Meta.GID != active.GID || n.Meta.Mode != active.DMode {
			emitter.SetPerm(devicePath(n.Path), n.Meta.UID, n.Meta.GID, n.Meta.Mode)
		}
		for _, child := range n.children {
			emitSubtree(child, active, emitter)
		}
		return
	}

	if n.Meta.UID != context.UID || n.Meta.GID != context.GID || n.Meta.Mode != context.FMode {
		emitter.SetPerm(devicePath(n.Path), n.Meta.UID, n.Meta.GID, n.Meta.Mode)
	}
}

func devicePath(path string) string {
	return "/" + path
}
