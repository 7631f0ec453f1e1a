package resource

import "testing"

func TestCatalogHierarchy(t *testing.T) {
	c, err := NewCatalog([]Resource{
		{ID: "hq", Title: "Headquarters"},
		{ID: "room-a", Title: "Room A", ParentID: "hq"},
		{ID: "room-b", Title: "Room B", ParentID: "hq"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	r, ok := c.Lookup("room-a")
	if !ok || r.Title != "Room A" {
		t.Fatalf("Lookup(room-a) = %+v, %v", r, ok)
	}
	if _, ok := c.Lookup("missing"); ok {
		t.Fatalf("expected missing lookup to fail")
	}
	kids := c.Children("hq")
	if len(kids) != 2 || kids[0].ID != "room-a" || kids[1].ID != "room-b" {
		t.Fatalf("Children(hq) = %+v", kids)
	}
	if len(c.All()) != 3 {
		t.Fatalf("All() = %+v", c.All())
	}
}

func TestCatalogValidation(t *testing.T) {
	tests := map[string][]Resource{
		"empty id":       {{ID: " "}},
		"duplicate":      {{ID: "a"}, {ID: "a"}},
		"unknown parent": {{ID: "a", ParentID: "ghost"}},
		"cycle":          {{ID: "a", ParentID: "b"}, {ID: "b", ParentID: "a"}},
	}
	for name, resources := range tests {
		if _, err := NewCatalog(resources); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	if _, ok := c.Lookup("x"); ok {
		t.Fatalf("nil catalog lookup should fail")
	}
	if c.All() != nil || c.Children("x") != nil {
		t.Fatalf("nil catalog should be empty")
	}
}
