package dag

import (
	"fmt"
	"sort"

	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/skel"
	"github.com/dagfs/core/internal/trail"
)

// parseProplist decodes a node's property-rep contents: a flat skel list of
// (key value) pairs, same shape as the directory entries list.
func parseProplist(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(raw) == 0 {
		return out, nil
	}
	sk, err := skel.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("dag: corrupt proplist: %w", err)
	}
	for _, item := range sk.Items() {
		if !item.IsList() || item.Len() != 2 {
			return nil, fmt.Errorf("dag: corrupt proplist")
		}
		out[item.At(0).Str()] = item.At(1).Str()
	}
	return out, nil
}

func marshalProplist(props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]*skel.Skel, 0, len(keys))
	for _, k := range keys {
		items = append(items, skel.List(skel.Atom(k), skel.Atom(props[k])))
	}
	return skel.Unparse(skel.List(items...))
}

// GetProplist returns node's full property list (spec.md §6 "node_proplist").
// A node with no property-rep yet has an empty property list.
func (d *DAG) GetProplist(tr *trail.Trail, node noderev.ID) (map[string]string, error) {
	rec, err := d.Nodes.GetNodeRevision(tr, node)
	if err != nil {
		return nil, err
	}
	if rec.PropRep == "" {
		return map[string]string{}, nil
	}
	raw, err := d.Reps.RepContents(tr, rec.PropRep)
	if err != nil {
		return nil, err
	}
	return parseProplist(raw)
}

// GetProp returns a single property value, and whether it was set (spec.md
// §6 "node_prop").
func (d *DAG) GetProp(tr *trail.Trail, node noderev.ID, name string) (string, bool, error) {
	props, err := d.GetProplist(tr, node)
	if err != nil {
		return "", false, err
	}
	v, ok := props[name]
	return v, ok, nil
}

// ChangeNodeProp sets (or, if value is nil, removes) a single property on
// node, which must already be mutable in txn (spec.md §6
// "change_node_prop"). Obtains a mutable property-rep first, exactly as
// writeEntries does for directory entries.
func (d *DAG) ChangeNodeProp(tr *trail.Trail, node noderev.ID, name string, value *string) error {
	rec, err := d.Nodes.GetNodeRevision(tr, node)
	if err != nil {
		return err
	}
	props, err := d.GetProplist(tr, node)
	if err != nil {
		return err
	}
	if value == nil {
		delete(props, name)
	} else {
		props[name] = *value
	}

	mutableRep, err := d.Reps.GetMutableRep(tr, rec.PropRep)
	if err != nil {
		return err
	}
	if mutableRep != rec.PropRep {
		rec.PropRep = mutableRep
		if err := d.Nodes.PutNodeRevision(tr, node, rec); err != nil {
			return err
		}
	}
	if err := d.Reps.RepContentsClear(tr, mutableRep); err != nil {
		return err
	}
	return d.Reps.RepContentsWriteStream(tr, mutableRep, marshalProplist(props))
}
