package docstore

import (
	"context"

	"github.com/MarcoPoloResearchLab/revision/internal/history"
)

// Cursor walks matching documents in batches keyed by document id, so no
// connection is held between calls to Next.
type Cursor struct {
	collection *Collection
	filter     compiledFilter
	session    history.Session
	lastID     string
	started    bool
	buffer     []StoredDocument
	position   int
	exhausted  bool
	current    StoredDocument
	document   Document
	err        error
}

func newCursor(collection *Collection, filter compiledFilter, session history.Session) *Cursor {
	return &Cursor{collection: collection, filter: filter, session: session}
}

// Next advances to the next matching document.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	for {
		if c.position >= len(c.buffer) {
			if c.exhausted {
				return false
			}
			if err := c.fetch(ctx); err != nil {
				c.err = err
				return false
			}
			if len(c.buffer) == 0 {
				return false
			}
		}
		row := c.buffer[c.position]
		c.position++
		body := []byte(row.BodyJSON)
		if !c.filter.matches(body) {
			continue
		}
		document, err := decodeDocument(body)
		if err != nil {
			c.err = err
			return false
		}
		c.current = row
		c.document = document
		return true
	}
}

func (c *Cursor) fetch(ctx context.Context) error {
	statement := c.collection.store.handle(ctx, c.session).
		Where("collection = ?", c.collection.name)
	if c.started {
		statement = statement.Where("document_id > ?", c.lastID)
	}
	if c.filter.identity != "" {
		statement = statement.Where("document_id = ?", c.filter.identity)
	}

	batchSize := c.collection.store.batchSize
	var rows []StoredDocument
	if err := statement.Order("document_id ASC").Limit(batchSize).Find(&rows).Error; err != nil {
		return err
	}
	c.started = true
	c.buffer = rows
	c.position = 0
	if len(rows) < batchSize {
		c.exhausted = true
	}
	if len(rows) > 0 {
		c.lastID = rows[len(rows)-1].DocumentID
	}
	return nil
}

// Document returns the current document.
func (c *Cursor) Document() Document {
	return c.document
}

func (c *Cursor) row() StoredDocument {
	return c.current
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Each calls fn for every remaining document and stops at the first error.
func (c *Cursor) Each(ctx context.Context, fn func(Document) error) error {
	for c.Next(ctx) {
		if err := fn(c.document); err != nil {
			return err
		}
	}
	return c.Err()
}
