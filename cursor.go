package atomkv

// Cursor iterates a Bucket's key/value pairs in key order. Extended from
// the teacher's cursor.go (which only tracked a leaf id + slot index and
// so could not go backwards) with a full root-to-leaf stack, matching
// spec.md §4.3/§4.4's "stackful iterator" requirement for Prev/Last.
type Cursor struct {
	bucket *Bucket
	tree   *btree
	stack  []pathEntry
}

func newCursor(b *Bucket) *Cursor {
	return &Cursor{bucket: b, tree: b.tree}
}

// First positions the cursor at the smallest key and returns it.
func (c *Cursor) First() (key, value []byte, isBucket bool) {
	id := c.tree.root
	c.stack = c.stack[:0]
	for {
		n, err := c.tree.fetchNode(id)
		if err != nil {
			return nil, nil, false
		}
		c.stack = append(c.stack, pathEntry{id: id, node: n, idx: 0})
		if n.leaf {
			break
		}
		id = n.children[0]
	}
	return c.current()
}

// Last positions the cursor at the largest key and returns it.
func (c *Cursor) Last() (key, value []byte, isBucket bool) {
	id := c.tree.root
	c.stack = c.stack[:0]
	for {
		n, err := c.tree.fetchNode(id)
		if err != nil {
			return nil, nil, false
		}
		if n.leaf {
			idx := len(n.keys) - 1
			if idx < 0 {
				idx = 0
			}
			c.stack = append(c.stack, pathEntry{id: id, node: n, idx: idx})
			break
		}
		idx := len(n.children) - 1
		c.stack = append(c.stack, pathEntry{id: id, node: n, idx: idx})
		id = n.children[idx]
	}
	return c.current()
}

// Seek positions the cursor at the first key >= target.
func (c *Cursor) Seek(target []byte) (key, value []byte, isBucket bool) {
	path, err := c.tree.descend(target)
	if err != nil {
		return nil, nil, false
	}
	c.stack = path
	return c.current()
}

func (c *Cursor) current() ([]byte, []byte, bool) {
	if len(c.stack) == 0 {
		return nil, nil, false
	}
	top := c.stack[len(c.stack)-1]
	if top.idx >= len(top.node.keys) {
		return nil, nil, false
	}
	return top.node.keys[top.idx], top.node.values[top.idx], top.node.isBkt[top.idx]
}

// Next advances to the next key in order, returning a nil key at the end.
func (c *Cursor) Next() (key, value []byte, isBucket bool) {
	if len(c.stack) == 0 {
		return nil, nil, false
	}
	top := &c.stack[len(c.stack)-1]
	top.idx++
	if top.idx < len(top.node.keys) {
		return c.current()
	}
	return c.advanceRight()
}

// advanceRight pops exhausted leaf/branch frames and descends into the
// next sibling subtree, mirroring the teacher's cursor.go Next for the
// leaf-chain case but generalized to a stack since atomkv's leaves aren't
// singly linked.
func (c *Cursor) advanceRight() ([]byte, []byte, bool) {
	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		top := &c.stack[len(c.stack)-1]
		top.idx++
		if top.idx < len(top.node.children) {
			id := top.node.children[top.idx]
			return c.descendLeftFrom(id)
		}
	}
	c.stack = c.stack[:0]
	return nil, nil, false
}

func (c *Cursor) descendLeftFrom(id pgid) ([]byte, []byte, bool) {
	for {
		n, err := c.tree.fetchNode(id)
		if err != nil {
			return nil, nil, false
		}
		c.stack = append(c.stack, pathEntry{id: id, node: n, idx: 0})
		if n.leaf {
			return c.current()
		}
		id = n.children[0]
	}
}

// Prev retreats to the previous key in order, returning a nil key at the start.
func (c *Cursor) Prev() (key, value []byte, isBucket bool) {
	if len(c.stack) == 0 {
		return nil, nil, false
	}
	top := &c.stack[len(c.stack)-1]
	top.idx--
	if top.idx >= 0 && top.idx < len(top.node.keys) {
		return c.current()
	}
	return c.retreatLeft()
}

func (c *Cursor) retreatLeft() ([]byte, []byte, bool) {
	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		top := &c.stack[len(c.stack)-1]
		top.idx--
		if top.idx >= 0 {
			id := top.node.children[top.idx]
			return c.descendRightFrom(id)
		}
	}
	c.stack = c.stack[:0]
	return nil, nil, false
}

func (c *Cursor) descendRightFrom(id pgid) ([]byte, []byte, bool) {
	for {
		n, err := c.tree.fetchNode(id)
		if err != nil {
			return nil, nil, false
		}
		if n.leaf {
			idx := len(n.keys) - 1
			if idx < 0 {
				idx = 0
			}
			c.stack = append(c.stack, pathEntry{id: id, node: n, idx: idx})
			return c.current()
		}
		idx := len(n.children) - 1
		c.stack = append(c.stack, pathEntry{id: id, node: n, idx: idx})
		id = n.children[idx]
	}
}
