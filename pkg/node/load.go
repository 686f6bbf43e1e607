package node

// Variant is the result of loading a block: exactly one of Leaf or
// Inner is non-nil, and callers match on which.
type Variant struct {
	Leaf  *Leaf
	Inner *Inner
}

// Load interprets raw as an existing block and returns the matching
// Leaf or Inner variant. raw is used in place, not copied.
func Load(layout Layout, raw []byte) (Variant, error) {
	v, err := LoadView(layout, raw)
	if err != nil {
		return Variant{}, err
	}
	if v.IsLeaf() {
		return Variant{Leaf: asLeaf(v)}, nil
	}
	return Variant{Inner: asInner(v)}, nil
}
