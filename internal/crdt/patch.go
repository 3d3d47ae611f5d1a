package crdt

import (
	"reflect"
	"sort"
)

// PatchAction is the kind of change a Patch describes.
type PatchAction string

const (
	PatchPut PatchAction = "put"
	PatchDel PatchAction = "del"
)

// Patch describes one changed node of the document tree. An empty Path means
// the set of top-level keys itself changed.
type Patch struct {
	Action PatchAction
	Path   []string
}

// TopLevelKey returns the first element of the path, or "" for root patches.
func (p Patch) TopLevelKey() string {
	if len(p.Path) == 0 {
		return ""
	}
	return p.Path[0]
}

// IsRoot reports whether the patch touches the document root.
func (p Patch) IsRoot() bool {
	return len(p.Path) == 0
}

// diff lists the nodes that differ between two snapshots. Adding or removing
// a top-level key is reported as a root patch in addition to the key patch.
func diff(before, after Snapshot) []Patch {
	var patches []Patch
	rootChanged := false
	for _, k := range unionKeys(before, after) {
		old, hadOld := before[k]
		cur, hasCur := after[k]
		switch {
		case !hasCur:
			rootChanged = true
			patches = append(patches, Patch{Action: PatchDel, Path: []string{k}})
		case !hadOld:
			rootChanged = true
			patches = append(patches, Patch{Action: PatchPut, Path: []string{k}})
		default:
			patches = diffValue(patches, []string{k}, old, cur)
		}
	}
	if rootChanged {
		patches = append([]Patch{{Action: PatchPut}}, patches...)
	}
	return patches
}

func diffValue(patches []Patch, path []string, old, cur any) []Patch {
	om, oldIsMap := old.(map[string]any)
	cm, curIsMap := cur.(map[string]any)
	if !oldIsMap || !curIsMap {
		if !reflect.DeepEqual(old, cur) {
			patches = append(patches, Patch{Action: PatchPut, Path: clonePath(path)})
		}
		return patches
	}
	for _, k := range unionKeys(om, cm) {
		o, hadOld := om[k]
		c, hasCur := cm[k]
		child := append(clonePath(path), k)
		switch {
		case !hasCur:
			patches = append(patches, Patch{Action: PatchDel, Path: child})
		case !hadOld:
			patches = append(patches, Patch{Action: PatchPut, Path: child})
		default:
			patches = diffValue(patches, child, o, c)
		}
	}
	return patches
}

func unionKeys[M ~map[string]any](a, b M) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func clonePath(p []string) []string {
	out := make([]string, len(p), len(p)+1)
	copy(out, p)
	return out
}
