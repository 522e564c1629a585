package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/automerge/automerge-go"
)

// Keys for the two content surfaces sharing one document. The editor owns a
// rich-text field, the whiteboard a keyed shape map; both ride the same
// replication, snapshotting, and presence machinery.
const (
	contentKey = "content"
	shapesKey  = "shapes"
)

// InsertText inserts value at the rune position pos in the document's
// text field.
func (d *Document) InsertText(pos int, value string) error {
	return d.ApplyLocalEdit(func(doc *automerge.Doc) error {
		return doc.Path(contentKey).Text().Insert(pos, value)
	})
}

// DeleteText removes count runes starting at pos from the text field.
func (d *Document) DeleteText(pos, count int) error {
	return d.ApplyLocalEdit(func(doc *automerge.Doc) error {
		return doc.Path(contentKey).Text().Delete(pos, count)
	})
}

// Text returns the current contents of the text field. An empty document
// yields an empty string.
func (d *Document) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	text := d.doc.Path(contentKey).Text()
	if text.Len() == 0 {
		return "", nil
	}

	value, err := text.Get()
	if err != nil {
		return "", fmt.Errorf("read text field: %w", err)
	}

	return value, nil
}

// Shape is one element on the whiteboard canvas. The document treats its
// payload as opaque JSON; interpretation belongs to the canvas surface.
type Shape struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PutShape creates or replaces a shape on the whiteboard surface.
func (d *Document) PutShape(shape Shape) error {
	if shape.ID == "" {
		return fmt.Errorf("shape id must not be empty")
	}

	encoded, err := json.Marshal(shape)
	if err != nil {
		return fmt.Errorf("encode shape %q: %w", shape.ID, err)
	}

	return d.ApplyLocalEdit(func(doc *automerge.Doc) error {
		return doc.Path(shapesKey, shape.ID).Set(string(encoded))
	})
}

// DeleteShape removes a shape from the whiteboard surface. Deleting an
// unknown id is a no-op.
func (d *Document) DeleteShape(id string) error {
	return d.ApplyLocalEdit(func(doc *automerge.Doc) error {
		shapes := doc.Path(shapesKey).Map()

		keys, err := shapes.Keys()
		if err != nil {
			return err
		}

		for _, key := range keys {
			if key == id {
				return shapes.Delete(id)
			}
		}

		return nil
	})
}

// Shapes returns all shapes currently on the whiteboard surface, in no
// particular order.
func (d *Document) Shapes() ([]Shape, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	shapes := d.doc.Path(shapesKey).Map()

	keys, err := shapes.Keys()
	if err != nil {
		return nil, fmt.Errorf("list shapes: %w", err)
	}

	result := make([]Shape, 0, len(keys))

	for _, key := range keys {
		raw, err := automerge.As[string](shapes.Get(key))
		if err != nil {
			return nil, fmt.Errorf("read shape %q: %w", key, err)
		}

		var shape Shape
		if err := json.Unmarshal([]byte(raw), &shape); err != nil {
			return nil, fmt.Errorf("%w: shape %q: %v", ErrDecode, key, err)
		}

		result = append(result, shape)
	}

	return result, nil
}
