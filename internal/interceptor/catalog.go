package interceptor

import (
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/revision/internal/docstore"
)

var _ docstore.Repository = (*TrackedRepository)(nil)

// Catalog hands out one tracked repository per collection name. Collections
// without a declared schema are opened lenient and schemaless.
type Catalog struct {
	interceptor *Interceptor
	store       *docstore.Store
	schemas     map[string]docstore.Schema

	mu           sync.Mutex
	repositories map[string]*TrackedRepository
}

func (i *Interceptor) NewCatalog(store *docstore.Store, schemas map[string]docstore.Schema) *Catalog {
	declared := make(map[string]docstore.Schema, len(schemas))
	for name, schema := range schemas {
		declared[strings.TrimSpace(name)] = schema
	}
	return &Catalog{
		interceptor:  i,
		store:        store,
		schemas:      declared,
		repositories: make(map[string]*TrackedRepository),
	}
}

// Repository returns the tracked repository for collection.
func (c *Catalog) Repository(collection string) (docstore.Repository, error) {
	name := strings.TrimSpace(collection)

	c.mu.Lock()
	defer c.mu.Unlock()
	if repository, ok := c.repositories[name]; ok {
		return repository, nil
	}
	opened, err := c.store.Collection(name, c.schemas[name])
	if err != nil {
		return nil, err
	}
	repository := c.interceptor.Track(opened)
	c.repositories[name] = repository
	return repository, nil
}
