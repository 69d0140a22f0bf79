package vmap

import (
	"fmt"

	"github.com/sushant-115/gojovmem/core/vmem"
)

// Check verifies the whole tree: every container chain, strict key order on
// the leaf level, one entry per child page carrying that page's lead key, and
// a single page at the top.
func (m *Map[K, V]) Check() error {
	if err := m.keys.Check(); err != nil {
		return fmt.Errorf("key level stack: %w", err)
	}
	if err := m.values.Check(); err != nil {
		return fmt.Errorf("value level: %w", err)
	}
	levels, err := m.levels()
	if err != nil {
		return err
	}

	childPages, err := m.values.Pages()
	if err != nil {
		return err
	}
	var last *K
	for _, pos := range childPages {
		entries, _, _, err := m.values.PageItems(pos)
		if err != nil {
			return err
		}
		for i := range entries {
			if last != nil && m.order(*last, entries[i].Key) >= 0 {
				return fmt.Errorf("%w: leaf keys out of order on page %s", vmem.ErrMalformedContainer, pos)
			}
			last = &entries[i].Key
		}
	}

	for l, lvl := range levels {
		if err := lvl.Check(); err != nil {
			return fmt.Errorf("key level %d: %w", l+1, err)
		}
		pages, err := lvl.Pages()
		if err != nil {
			return err
		}
		var children []vmem.PagePos
		for _, pos := range pages {
			h, err := lvl.Header(pos)
			if err != nil {
				return err
			}
			if int(h.Level) != l+1 {
				return fmt.Errorf("%w: page %s of key level %d is tagged level %d", vmem.ErrMalformedContainer, pos, l+1, h.Level)
			}
			items, _, _, err := lvl.PageItems(pos)
			if err != nil {
				return err
			}
			for _, item := range items {
				lead, err := m.childLead(levels, l, item.Child)
				if err != nil {
					return err
				}
				if m.order(lead, item.Key) != 0 {
					return fmt.Errorf("%w: key level %d entry for page %s does not carry its lead key", vmem.ErrMalformedContainer, l+1, item.Child)
				}
				children = append(children, item.Child)
			}
		}
		if len(children) != len(childPages) {
			return fmt.Errorf("%w: key level %d has %d entries for %d child pages", vmem.ErrMalformedContainer, l+1, len(children), len(childPages))
		}
		for i := range children {
			if children[i] != childPages[i] {
				return fmt.Errorf("%w: key level %d entry %d points at %s, want %s", vmem.ErrMalformedContainer, l+1, i, children[i], childPages[i])
			}
		}
		childPages = pages
	}

	if len(childPages) > 1 {
		return fmt.Errorf("%w: top level spans %d pages", vmem.ErrMalformedContainer, len(childPages))
	}
	return nil
}
