// Package interceptor records a structural history entry for every mutation
// made through a tracked repository.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/revision/internal/diffpatch"
	"github.com/MarcoPoloResearchLab/revision/internal/history"
	"github.com/MarcoPoloResearchLab/revision/internal/redaction"
	"go.uber.org/zap"
)

const (
	opInterceptorNew = "interceptor.new"
	opRegisterPolicy = "interceptor.register_policy"
	opRecord         = "interceptor.record"
	opGetHistory     = "interceptor.get_history"

	policyKeyOmit     = "omit"
	policyKeyPick     = "pick"
	policyKeyRequired = "required"
)

var (
	// ErrInvalidPolicyConfig indicates an unknown key in a policy declaration.
	ErrInvalidPolicyConfig = errors.New("interceptor: invalid policy config")

	errMissingStore      = errors.New("history store is required")
	errMissingCollection = errors.New("collection name is required")
	errUnexpectedDelta   = errors.New("document delta must be an object")
	noOpLogger           = zap.NewNop()
)

// Policy controls what is recorded for one collection.
type Policy struct {
	Redaction *redaction.Policy
	Required  []history.AttributionField
}

type Config struct {
	Store     history.Store
	Sequencer history.Sequencer
	Differ    diffpatch.Differ
	Logger    *zap.Logger
	// OnRecord observes each stored record once the mutation it describes has
	// succeeded. With a caller session it runs before that session commits.
	OnRecord func(history.Record)
}

// Interceptor owns the per-collection policies and the record pipeline.
type Interceptor struct {
	store     history.Store
	sequencer history.Sequencer
	differ    diffpatch.Differ
	logger    *zap.Logger
	onRecord  func(history.Record)

	mu       sync.RWMutex
	policies map[string]Policy
}

func New(cfg Config) (*Interceptor, error) {
	if cfg.Store == nil {
		return nil, history.NewServiceError(opInterceptorNew, "missing_store", errMissingStore)
	}

	sequencer := cfg.Sequencer
	if sequencer == nil {
		latest, err := history.NewLatestVersionSequencer(cfg.Store)
		if err != nil {
			return nil, err
		}
		sequencer = latest
	}

	differ := cfg.Differ
	if differ == nil {
		differ = diffpatch.New()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Interceptor{
		store:     cfg.Store,
		sequencer: sequencer,
		differ:    differ,
		logger:    logger,
		onRecord:  cfg.OnRecord,
		policies:  make(map[string]Policy),
	}, nil
}

// RegisterPolicy sets the policy for a collection, replacing any previous one.
func (i *Interceptor) RegisterPolicy(collection string, policy Policy) error {
	name := strings.TrimSpace(collection)
	if name == "" {
		return history.NewServiceError(opRegisterPolicy, "missing_collection", errMissingCollection)
	}
	i.mu.Lock()
	i.policies[name] = policy
	i.mu.Unlock()
	return nil
}

// RegisterPolicyConfig builds a policy from loosely typed configuration with
// the keys omit, pick and required.
func (i *Interceptor) RegisterPolicyConfig(collection string, raw map[string]any) error {
	for key := range raw {
		switch key {
		case policyKeyOmit, policyKeyPick, policyKeyRequired:
		default:
			return fmt.Errorf("%w: unknown key %q for collection %q", ErrInvalidPolicyConfig, key, collection)
		}
	}
	redactionPolicy, err := redaction.NewPolicy(raw[policyKeyOmit], raw[policyKeyPick])
	if err != nil {
		return err
	}
	required, err := history.ParseRequired(raw[policyKeyRequired])
	if err != nil {
		return err
	}
	return i.RegisterPolicy(collection, Policy{Redaction: redactionPolicy, Required: required})
}

func (i *Interceptor) policy(collection string) Policy {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.policies[collection]
}

// GetHistory lists the records of one document.
func (i *Interceptor) GetHistory(ctx context.Context, collection, id string, query history.Query) ([]history.Record, error) {
	key, err := history.NewEntityKey(collection, id)
	if err != nil {
		return nil, history.NewServiceError(opGetHistory, "invalid_entity_key", err)
	}
	return i.store.List(ctx, key, query)
}

// Changes lists human-readable summaries of one document's records.
func (i *Interceptor) Changes(ctx context.Context, collection, id string, query history.Query) ([]history.Change, error) {
	records, err := i.GetHistory(ctx, collection, id, query)
	if err != nil {
		return nil, err
	}
	changes := make([]history.Change, 0, len(records))
	for _, record := range records {
		changes = append(changes, history.Describe(record))
	}
	return changes, nil
}

type pendingChange struct {
	key     history.EntityKey
	before  any
	after   any
	user    string
	reason  string
	session history.Session
}

// record runs diff, redaction, sequencing and insert. It returns nil without
// error when nothing survives redaction.
func (i *Interceptor) record(ctx context.Context, change pendingChange) (*history.Record, error) {
	delta, err := i.differ.Diff(change.before, change.after)
	if err != nil {
		i.logError(opRecord, "diff_failed", err, change.key)
		return nil, history.NewServiceError(opRecord, "diff_failed", err)
	}
	if delta == nil {
		i.logSkip("no_changes", change.key)
		return nil, nil
	}
	patch, ok := delta.(map[string]any)
	if !ok {
		i.logError(opRecord, "unexpected_delta", errUnexpectedDelta, change.key)
		return nil, history.NewServiceError(opRecord, "unexpected_delta", errUnexpectedDelta)
	}

	redacted := i.policy(change.key.Collection).Redaction.Apply(patch)
	if redacted == nil {
		i.logSkip("redacted_empty", change.key)
		return nil, nil
	}

	version, err := i.sequencer.Next(ctx, change.key, change.session)
	if err != nil {
		i.logError(opRecord, "version_failed", err, change.key)
		return nil, history.NewServiceError(opRecord, "version_failed", err)
	}

	record := &history.Record{
		CollectionName: change.key.Collection,
		CollectionID:   change.key.ID,
		Diff:           history.Diff(redacted),
		User:           history.StringPointer(change.user),
		Reason:         history.StringPointer(change.reason),
		Version:        version,
	}
	if err := i.store.Insert(ctx, record, change.session); err != nil {
		return nil, err
	}
	return record, nil
}

func (i *Interceptor) notify(records ...*history.Record) {
	if i.onRecord == nil {
		return
	}
	for _, record := range records {
		if record != nil {
			i.onRecord(*record)
		}
	}
}

func (i *Interceptor) logSkip(reason string, key history.EntityKey) {
	i.logger.Debug("history record skipped",
		zap.String("reason", reason),
		zap.String("collection_name", key.Collection),
		zap.String("collection_id", key.ID))
}

func (i *Interceptor) logError(operation, reason string, err error, key history.EntityKey) {
	i.logger.Error("interceptor error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("collection_name", key.Collection),
		zap.String("collection_id", key.ID))
}
