package resource

import (
	"errors"
	"fmt"
	"strings"
)

// Resource is a bookable thing (room, person, device) entries can refer to
// by id. Resources form a tree through ParentID.
type Resource struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ParentID string `json:"parentId,omitempty"`
}

// Catalog is a read-only resource hierarchy.
type Catalog struct {
	byID     map[string]Resource
	order    []string
	children map[string][]string
}

// NewCatalog validates and indexes resources. Ids must be unique and
// non-empty, parents must exist and the hierarchy must be acyclic.
func NewCatalog(resources []Resource) (*Catalog, error) {
	c := &Catalog{
		byID:     make(map[string]Resource, len(resources)),
		children: make(map[string][]string),
	}
	for _, r := range resources {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return nil, errors.New("resource: empty id")
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("resource: duplicate id %q", r.ID)
		}
		c.byID[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	for _, id := range c.order {
		parent := c.byID[id].ParentID
		if parent == "" {
			continue
		}
		if _, ok := c.byID[parent]; !ok {
			return nil, fmt.Errorf("resource: %q has unknown parent %q", id, parent)
		}
		c.children[parent] = append(c.children[parent], id)
	}
	for _, id := range c.order {
		if err := c.checkAcyclic(id); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) checkAcyclic(id string) error {
	seen := map[string]bool{}
	for cur := id; cur != ""; cur = c.byID[cur].ParentID {
		if seen[cur] {
			return fmt.Errorf("resource: parent cycle through %q", id)
		}
		seen[cur] = true
	}
	return nil
}

// Lookup returns the resource with the given id.
func (c *Catalog) Lookup(id string) (Resource, bool) {
	if c == nil {
		return Resource{}, false
	}
	r, ok := c.byID[id]
	return r, ok
}

// Children returns the direct children of id in declaration order.
func (c *Catalog) Children(id string) []Resource {
	if c == nil {
		return nil
	}
	out := make([]Resource, 0, len(c.children[id]))
	for _, child := range c.children[id] {
		out = append(out, c.byID[child])
	}
	return out
}

// All returns every resource in declaration order.
func (c *Catalog) All() []Resource {
	if c == nil {
		return nil
	}
	out := make([]Resource, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
