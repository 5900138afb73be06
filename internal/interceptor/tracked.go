package interceptor

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/revision/internal/docstore"
	"github.com/MarcoPoloResearchLab/revision/internal/history"
	"go.uber.org/zap"
)

const (
	opTrackedSave   = "interceptor.save"
	opTrackedUpdate = "interceptor.update"
	opTrackedDelete = "interceptor.delete"
)

// TrackedRepository records history before delegating each mutation to the
// wrapped repository. A history failure aborts the mutation. History joins
// the caller's session whenever one is given.
type TrackedRepository struct {
	interceptor *Interceptor
	repository  docstore.Repository
}

// Track wraps repository so that its mutations are recorded.
func (i *Interceptor) Track(repository docstore.Repository) *TrackedRepository {
	return &TrackedRepository{interceptor: i, repository: repository}
}

func (r *TrackedRepository) Name() string {
	return r.repository.Name()
}

func (r *TrackedRepository) Schema() docstore.Schema {
	return r.repository.Schema()
}

func (r *TrackedRepository) FindByID(ctx context.Context, id string, session history.Session) (docstore.Document, error) {
	return r.repository.FindByID(ctx, id, session)
}

func (r *TrackedRepository) Find(ctx context.Context, filter map[string]any, session history.Session) (*docstore.Cursor, error) {
	return r.repository.Find(ctx, filter, session)
}

// Save records the difference between the stored copy and document. New
// documents produce no record.
func (r *TrackedRepository) Save(ctx context.Context, document docstore.Document, options docstore.CallOptions) (docstore.Document, error) {
	record, err := r.recordSave(ctx, document, options)
	if err != nil {
		return nil, err
	}
	saved, err := r.repository.Save(ctx, document, options)
	if err != nil {
		return nil, err
	}
	r.interceptor.notify(record)
	return saved, nil
}

func (r *TrackedRepository) recordSave(ctx context.Context, document docstore.Document, options docstore.CallOptions) (*history.Record, error) {
	id := document.ID()
	if id == "" {
		return nil, nil
	}
	key, err := history.NewEntityKey(r.repository.Name(), id)
	if err != nil {
		return nil, history.NewServiceError(opTrackedSave, "invalid_entity_key", err)
	}

	before, err := r.repository.FindByID(ctx, id, options.Session)
	if errors.Is(err, docstore.ErrNotFound) {
		r.interceptor.logSkip("new_document", key)
		return nil, nil
	}
	if err != nil {
		r.interceptor.logError(opTrackedSave, "fetch_failed", err, key)
		return nil, history.NewServiceError(opTrackedSave, "fetch_failed", err)
	}

	policy := r.interceptor.policy(key.Collection)
	if !history.Allows(policy.Required, history.AttributionSource{Fallback: attributionOf(options)}) {
		r.interceptor.logSkip("attribution_missing", key)
		return nil, nil
	}

	// the store keeps identities as strings
	after := withStoredID(document, id)
	if schema := r.repository.Schema(); schema.Strict {
		after, err = docstore.PickPaths(after, schema.Paths())
		if err != nil {
			return nil, history.NewServiceError(opTrackedSave, "strict_filter_failed", err)
		}
	}

	return r.interceptor.record(ctx, pendingChange{
		key:     key,
		before:  before,
		after:   after,
		user:    options.User,
		reason:  options.Reason,
		session: options.Session,
	})
}

func withStoredID(document docstore.Document, id string) docstore.Document {
	if current, ok := document[docstore.IDField].(string); ok && current == id {
		return document
	}
	normalized := document.Clone()
	normalized[docstore.IDField] = id
	return normalized
}

// UpdateOne records the first matching document, the one the store modifies.
func (r *TrackedRepository) UpdateOne(ctx context.Context, filter map[string]any, update docstore.Update, options docstore.UpdateOptions) (docstore.UpdateResult, error) {
	records, err := r.recordUpdate(ctx, filter, update, options, false)
	if err != nil {
		return docstore.UpdateResult{}, err
	}
	result, err := r.repository.UpdateOne(ctx, filter, update, options)
	if err != nil {
		return docstore.UpdateResult{}, err
	}
	r.interceptor.notify(records...)
	return result, nil
}

// UpdateMany records every matching document.
func (r *TrackedRepository) UpdateMany(ctx context.Context, filter map[string]any, update docstore.Update, options docstore.UpdateOptions) (docstore.UpdateResult, error) {
	records, err := r.recordUpdate(ctx, filter, update, options, true)
	if err != nil {
		return docstore.UpdateResult{}, err
	}
	result, err := r.repository.UpdateMany(ctx, filter, update, options)
	if err != nil {
		return docstore.UpdateResult{}, err
	}
	r.interceptor.notify(records...)
	return result, nil
}

// recordUpdate approximates each matched document's change: before holds the
// current values of every modified key and after overlays the raw operands.
func (r *TrackedRepository) recordUpdate(ctx context.Context, filter map[string]any, update docstore.Update, options docstore.UpdateOptions, multi bool) ([]*history.Record, error) {
	collection := r.repository.Name()
	policy := r.interceptor.policy(collection)
	if !history.Allows(policy.Required, history.AttributionSource{Options: attributionOf(options.CallOptions)}) {
		r.interceptor.logger.Debug("history record skipped",
			zap.String("reason", "attribution_missing"),
			zap.String("collection_name", collection))
		return nil, nil
	}

	keys := update.Keys()
	schema := r.repository.Schema()
	strict := schema.StrictFor(options.Strict)

	cursor, err := r.repository.Find(ctx, filter, options.Session)
	if err != nil {
		return nil, err
	}
	var records []*history.Record
	for cursor.Next(ctx) {
		current := cursor.Document()
		key, err := history.NewEntityKey(collection, current.ID())
		if err != nil {
			return nil, history.NewServiceError(opTrackedUpdate, "invalid_entity_key", err)
		}

		before, err := docstore.PickPaths(current, keys)
		if err != nil {
			return nil, history.NewServiceError(opTrackedUpdate, "pick_failed", err)
		}
		after, err := overlay(before, update)
		if err != nil {
			return nil, history.NewServiceError(opTrackedUpdate, "overlay_failed", err)
		}
		if strict {
			after, err = docstore.PickPaths(after, schema.Paths())
			if err != nil {
				return nil, history.NewServiceError(opTrackedUpdate, "strict_filter_failed", err)
			}
		}

		record, err := r.interceptor.record(ctx, pendingChange{
			key:     key,
			before:  before,
			after:   after,
			user:    options.User,
			reason:  options.Reason,
			session: options.Session,
		})
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, record)
		}
		if !multi {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, history.NewServiceError(opTrackedUpdate, "cursor_failed", err)
	}
	return records, nil
}

// overlay assigns operands onto base. $inc and $push operands are assigned
// as-is, $unset removes the field and $setOnInsert is ignored.
func overlay(base docstore.Document, update docstore.Update) (docstore.Document, error) {
	result := base.Clone()
	var err error
	for _, operator := range update.Operators {
		if operator.Kind == docstore.OperatorSetOnInsert {
			continue
		}
		for field, value := range operator.Fields {
			if operator.Kind == docstore.OperatorUnset {
				result, err = docstore.DeletePath(result, field)
			} else {
				result, err = docstore.SetPath(result, field, value)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Delete records a snapshot of document removing every field, then deletes it.
func (r *TrackedRepository) Delete(ctx context.Context, document docstore.Document, options docstore.CallOptions) error {
	record, err := r.recordDelete(ctx, document, options)
	if err != nil {
		return err
	}
	if err := r.repository.Delete(ctx, document, options); err != nil {
		return err
	}
	r.interceptor.notify(record)
	return nil
}

func (r *TrackedRepository) recordDelete(ctx context.Context, document docstore.Document, options docstore.CallOptions) (*history.Record, error) {
	key, err := history.NewEntityKey(r.repository.Name(), document.ID())
	if err != nil {
		return nil, history.NewServiceError(opTrackedDelete, "invalid_entity_key", err)
	}
	policy := r.interceptor.policy(key.Collection)
	// deletion carries no attribution source
	if !history.Allows(policy.Required, history.AttributionSource{}) {
		r.interceptor.logSkip("attribution_missing", key)
		return nil, nil
	}
	return r.interceptor.record(ctx, pendingChange{
		key:     key,
		before:  withStoredID(document, key.ID),
		after:   docstore.Document{},
		user:    options.User,
		reason:  options.Reason,
		session: options.Session,
	})
}

func attributionOf(options docstore.CallOptions) *history.Attribution {
	return &history.Attribution{User: options.User, Reason: options.Reason}
}
