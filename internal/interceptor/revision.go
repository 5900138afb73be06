package interceptor

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/revision/internal/docstore"
	"github.com/MarcoPoloResearchLab/revision/internal/history"
)

const opRevision = "interceptor.revision"

var errNegativeVersion = errors.New("version must not be negative")

// Revision reconstructs a document as it stood right after the change stored
// at version, by reverting every newer record from the current state. A
// deleted document is rebuilt from an empty object. Fields removed by
// redaction keep their current values.
func (i *Interceptor) Revision(ctx context.Context, repository docstore.Repository, id string, version int64) (docstore.Document, error) {
	if version < 0 {
		return nil, history.NewServiceError(opRevision, "invalid_version", errNegativeVersion)
	}
	key, err := history.NewEntityKey(repository.Name(), id)
	if err != nil {
		return nil, history.NewServiceError(opRevision, "invalid_entity_key", err)
	}

	records, err := i.store.List(ctx, key, history.Query{FromVersion: &version, Descending: true})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || records[len(records)-1].Version != version {
		return nil, history.NewServiceError(opRevision, "version_not_found", fmt.Errorf("%w: version %d of %s", history.ErrNotFound, version, key))
	}

	current, err := repository.FindByID(ctx, key.ID, nil)
	if errors.Is(err, docstore.ErrNotFound) {
		current = docstore.Document{}
	} else if err != nil {
		return nil, err
	}

	var state any = current
	for _, record := range records {
		if record.Version == version {
			break
		}
		state, err = i.differ.Unpatch(state, map[string]any(record.Diff))
		if err != nil {
			i.logError(opRevision, "unpatch_failed", err, key)
			return nil, history.NewServiceError(opRevision, "unpatch_failed", err)
		}
	}

	object, ok := state.(map[string]any)
	if !ok {
		return nil, history.NewServiceError(opRevision, "unexpected_state", fmt.Errorf("reconstructed %T", state))
	}
	return docstore.Document(object), nil
}
