package interceptor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/revision/internal/docstore"
	"github.com/MarcoPoloResearchLab/revision/internal/history"
	"github.com/MarcoPoloResearchLab/revision/internal/redaction"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testHarness struct {
	interceptor *Interceptor
	collection  *docstore.Collection
	tracked     *TrackedRepository
	store       *history.GormStore
	db          *gorm.DB
	observed    []history.Record
}

type failingStore struct {
	history.Store
	err error
}

func (s *failingStore) Insert(context.Context, *history.Record, history.Session) error {
	return s.err
}

func TestSaveRecordsMonotonicVersions(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	document := harness.seed(t, docstore.Document{"_id": "o-1", "title": "draft", "count": 0})

	for step := 1; step <= 3; step++ {
		document["count"] = step
		if _, err := harness.tracked.Save(context.Background(), document, docstore.CallOptions{User: "ann"}); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	records := harness.history(t, "o-1")
	assertRecordVersions(t, records, 0, 1, 2)
	expected := history.Diff{"count": []any{float64(2), float64(3)}}
	if !reflect.DeepEqual(records[2].Diff, expected) {
		t.Fatalf("unexpected last diff: %#v", records[2].Diff)
	}
	if records[0].User == nil || *records[0].User != "ann" {
		t.Fatalf("expected user attribution, got %#v", records[0].User)
	}
	if len(harness.observed) != 3 {
		t.Fatalf("expected observer to see 3 records, got %d", len(harness.observed))
	}
}

func TestSaveSkipsNewAndUnchangedDocuments(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})

	saved, err := harness.tracked.Save(context.Background(), docstore.Document{"title": "fresh"}, docstore.CallOptions{})
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if _, err := harness.tracked.Save(context.Background(), docstore.Document{"_id": "explicit", "title": "fresh"}, docstore.CallOptions{}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if _, err := harness.tracked.Save(context.Background(), saved, docstore.CallOptions{}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	if records := harness.history(t, saved.ID()); len(records) != 0 {
		t.Fatalf("expected no history, got %d records", len(records))
	}
	if records := harness.history(t, "explicit"); len(records) != 0 {
		t.Fatalf("expected no history for unseen id, got %d records", len(records))
	}
}

func TestOmitPolicyRedactsFields(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	if err := harness.interceptor.RegisterPolicyConfig("orders", map[string]any{"omit": []any{"password"}}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	document := harness.seed(t, docstore.Document{"_id": "o-1", "name": "a", "password": "x"})

	document["password"] = "y"
	harness.save(t, document, docstore.CallOptions{})
	if records := harness.history(t, "o-1"); len(records) != 0 {
		t.Fatalf("expected redacted-empty change to be skipped, got %#v", records)
	}

	document["name"] = "b"
	document["password"] = "z"
	harness.save(t, document, docstore.CallOptions{})
	records := harness.history(t, "o-1")
	assertRecordVersions(t, records, 0)
	if !reflect.DeepEqual(records[0].Diff, history.Diff{"name": []any{"a", "b"}}) {
		t.Fatalf("unexpected redacted diff: %#v", records[0].Diff)
	}
}

func TestPickPolicyKeepsNamedFields(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	policy, err := redaction.NewPolicy(nil, []string{"status"})
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}
	if err := harness.interceptor.RegisterPolicy("orders", Policy{Redaction: policy}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	document := harness.seed(t, docstore.Document{"_id": "o-1", "status": "open", "notes": "a"})

	document["notes"] = "b"
	harness.save(t, document, docstore.CallOptions{})
	document["status"] = "closed"
	document["notes"] = "c"
	harness.save(t, document, docstore.CallOptions{})

	records := harness.history(t, "o-1")
	assertRecordVersions(t, records, 0)
	if !reflect.DeepEqual(records[0].Diff, history.Diff{"status": []any{"open", "closed"}}) {
		t.Fatalf("unexpected picked diff: %#v", records[0].Diff)
	}
}

func TestRequiredAttributionGatesRecordsQuietly(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	if err := harness.interceptor.RegisterPolicyConfig("orders", map[string]any{"required": []string{"user", "reason"}}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	document := harness.seed(t, docstore.Document{"_id": "o-1", "status": "open"})

	document["status"] = "held"
	harness.save(t, document, docstore.CallOptions{User: "ann"})
	if stored := harness.find(t, "o-1"); stored["status"] != "held" {
		t.Fatalf("expected mutation to proceed without history, got %#v", stored)
	}

	_, err := harness.tracked.UpdateMany(context.Background(), map[string]any{"_id": "o-1"}, mustParseUpdate(t, map[string]any{"status": "open"}), docstore.UpdateOptions{CallOptions: docstore.CallOptions{Reason: "audit"}})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if records := harness.history(t, "o-1"); len(records) != 0 {
		t.Fatalf("expected gated changes to leave no history, got %d", len(records))
	}

	_, err = harness.tracked.UpdateMany(context.Background(), map[string]any{"_id": "o-1"}, mustParseUpdate(t, map[string]any{"status": "closed"}), docstore.UpdateOptions{CallOptions: docstore.CallOptions{User: "ann", Reason: "audit"}})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	records := harness.history(t, "o-1")
	assertRecordVersions(t, records, 0)
	if records[0].Reason == nil || *records[0].Reason != "audit" {
		t.Fatalf("expected reason attribution, got %#v", records[0].Reason)
	}
}

func TestArrayReorderIsRecordedAsMove(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	document := harness.seed(t, docstore.Document{"_id": "o-1", "items": []any{
		map[string]any{"_id": "1", "n": 1},
		map[string]any{"_id": "2", "n": 2},
	}})

	document["items"] = []any{
		map[string]any{"_id": "2", "n": 2},
		map[string]any{"_id": "1", "n": 1},
	}
	harness.save(t, document, docstore.CallOptions{})

	records := harness.history(t, "o-1")
	assertRecordVersions(t, records, 0)
	expected := history.Diff{"items": map[string]any{"_t": "a", "_1": []any{"", float64(0), float64(3)}}}
	if !reflect.DeepEqual(records[0].Diff, expected) {
		t.Fatalf("unexpected reorder diff: %#v", records[0].Diff)
	}
}

func TestUpdateManyFansOutOneRecordPerDocument(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	for _, id := range []string{"o-1", "o-2", "o-3"} {
		harness.seed(t, docstore.Document{"_id": id, "status": "open", "owner": "ann"})
	}
	harness.seed(t, docstore.Document{"_id": "o-4", "status": "closed"})

	result, err := harness.tracked.UpdateMany(context.Background(), map[string]any{"status": "open"}, mustParseUpdate(t, map[string]any{"$set": map[string]any{"status": "archived"}}), docstore.UpdateOptions{})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if result.Modified != 3 {
		t.Fatalf("expected 3 modified documents, got %#v", result)
	}

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		records := harness.history(t, id)
		assertRecordVersions(t, records, 0)
		if !reflect.DeepEqual(records[0].Diff, history.Diff{"status": []any{"open", "archived"}}) {
			t.Fatalf("%s: unexpected diff %#v", id, records[0].Diff)
		}
	}
	if records := harness.history(t, "o-4"); len(records) != 0 {
		t.Fatalf("expected unmatched document to have no history")
	}
}

func TestUpdateOneRecordsFirstMatchOnly(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	harness.seed(t, docstore.Document{"_id": "o-1", "status": "open"})
	harness.seed(t, docstore.Document{"_id": "o-2", "status": "open"})

	if _, err := harness.tracked.UpdateOne(context.Background(), map[string]any{"status": "open"}, mustParseUpdate(t, map[string]any{"status": "held"}), docstore.UpdateOptions{}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if records := harness.history(t, "o-1"); len(records) != 1 {
		t.Fatalf("expected first match to be recorded, got %d", len(records))
	}
	if records := harness.history(t, "o-2"); len(records) != 0 {
		t.Fatalf("expected second match to be untouched, got %d", len(records))
	}
}

func TestUpdateOverlayApproximatesOperators(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	harness.seed(t, docstore.Document{"_id": "o-1", "count": 5, "tags": []any{"a"}, "temp": "x", "kept": "same"})

	update := mustParseUpdate(t, map[string]any{
		"$inc":         map[string]any{"count": 2},
		"$push":        map[string]any{"tags": "b"},
		"$unset":       map[string]any{"temp": ""},
		"$setOnInsert": map[string]any{"createdBy": "ann"},
	})
	if _, err := harness.tracked.UpdateOne(context.Background(), map[string]any{"_id": "o-1"}, update, docstore.UpdateOptions{}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	records := harness.history(t, "o-1")
	assertRecordVersions(t, records, 0)
	expected := history.Diff{
		"count": []any{float64(5), float64(2)},
		"tags":  []any{[]any{"a"}, "b"},
		"temp":  []any{"x", float64(0), float64(0)},
	}
	if !reflect.DeepEqual(records[0].Diff, expected) {
		t.Fatalf("unexpected approximated diff: %#v", records[0].Diff)
	}
	if stored := harness.find(t, "o-1"); stored["count"] != float64(7) {
		t.Fatalf("expected real increment to apply, got %#v", stored)
	}
}

func TestStrictSchemaFiltersHypotheticalState(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{Fields: []string{"status"}, Strict: true})
	harness.seed(t, docstore.Document{"_id": "o-1", "status": "open"})

	lenient := false
	update := mustParseUpdate(t, map[string]any{"status": "held", "color": "red"})
	if _, err := harness.tracked.UpdateOne(context.Background(), map[string]any{"_id": "o-1"}, update, docstore.UpdateOptions{}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if _, err := harness.tracked.UpdateOne(context.Background(), map[string]any{"_id": "o-1"}, mustParseUpdate(t, map[string]any{"color": "blue"}), docstore.UpdateOptions{Strict: &lenient}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	records := harness.history(t, "o-1")
	assertRecordVersions(t, records, 0, 1)
	if !reflect.DeepEqual(records[0].Diff, history.Diff{"status": []any{"open", "held"}}) {
		t.Fatalf("expected strict diff to ignore undeclared fields: %#v", records[0].Diff)
	}
	if !reflect.DeepEqual(records[1].Diff, history.Diff{"color": []any{"blue"}}) {
		t.Fatalf("expected override to record undeclared field: %#v", records[1].Diff)
	}
}

func TestDeleteRecordsSnapshot(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	if err := harness.interceptor.RegisterPolicyConfig("orders", map[string]any{"required": "user"}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	document := harness.seed(t, docstore.Document{"_id": "o-1", "status": "open", "total": 3})
	document["status"] = "held"
	harness.save(t, document, docstore.CallOptions{User: "ann"})
	document["status"] = "closed"
	harness.save(t, document, docstore.CallOptions{User: "ann"})

	stored := harness.find(t, "o-1")
	if err := harness.tracked.Delete(context.Background(), stored, docstore.CallOptions{}); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	records := harness.history(t, "o-1")
	assertRecordVersions(t, records, 0, 1, 2)
	expected := history.Diff{
		"_id":    []any{"o-1", float64(0), float64(0)},
		"status": []any{"closed", float64(0), float64(0)},
		"total":  []any{float64(3), float64(0), float64(0)},
	}
	if !reflect.DeepEqual(records[2].Diff, expected) {
		t.Fatalf("unexpected deletion diff: %#v", records[2].Diff)
	}
	if _, err := harness.collection.FindByID(context.Background(), "o-1", nil); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected document to be deleted, got %v", err)
	}
}

func TestHistoryFailureBlocksMutation(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	document := harness.seed(t, docstore.Document{"_id": "o-1", "status": "open"})

	insertErr := errors.New("disk full")
	blocked, err := New(Config{Store: &failingStore{Store: harness.store, err: insertErr}})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tracked := blocked.Track(harness.collection)

	document["status"] = "closed"
	if _, err := tracked.Save(context.Background(), document, docstore.CallOptions{}); !errors.Is(err, insertErr) {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if _, err := tracked.UpdateMany(context.Background(), map[string]any{}, mustParseUpdate(t, map[string]any{"status": "void"}), docstore.UpdateOptions{}); !errors.Is(err, insertErr) {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if err := tracked.Delete(context.Background(), document, docstore.CallOptions{}); !errors.Is(err, insertErr) {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if stored := harness.find(t, "o-1"); stored["status"] != "open" {
		t.Fatalf("expected document to stay untouched, got %#v", stored)
	}
}

func TestDiffFailureBlocksMutation(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	document := harness.seed(t, docstore.Document{"_id": "o-1", "status": "open"})

	document["status"] = make(chan int)
	_, err := harness.tracked.Save(context.Background(), document, docstore.CallOptions{})
	var serviceErr *history.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "interceptor.record.diff_failed" {
		t.Fatalf("expected diff failure, got %v", err)
	}
}

func TestRevisionReconstructsPastStates(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	document := harness.seed(t, docstore.Document{"_id": "o-1", "status": "open", "lines": []any{"a"}})
	document["status"] = "held"
	harness.save(t, document, docstore.CallOptions{})
	document["lines"] = []any{"a", "b"}
	harness.save(t, document, docstore.CallOptions{})
	document["status"] = "closed"
	harness.save(t, document, docstore.CallOptions{})

	revision, err := harness.interceptor.Revision(context.Background(), harness.tracked, "o-1", 1)
	if err != nil {
		t.Fatalf("unexpected revision error: %v", err)
	}
	expected := docstore.Document{"_id": "o-1", "status": "held", "lines": []any{"a", "b"}}
	if !reflect.DeepEqual(revision, expected) {
		t.Fatalf("unexpected revision: %#v", revision)
	}

	if err := harness.tracked.Delete(context.Background(), harness.find(t, "o-1"), docstore.CallOptions{}); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	afterDelete, err := harness.interceptor.Revision(context.Background(), harness.tracked, "o-1", 2)
	if err != nil {
		t.Fatalf("unexpected revision error: %v", err)
	}
	expected = docstore.Document{"_id": "o-1", "status": "closed", "lines": []any{"a", "b"}}
	if !reflect.DeepEqual(afterDelete, expected) {
		t.Fatalf("unexpected revision after delete: %#v", afterDelete)
	}

	if _, err := harness.interceptor.Revision(context.Background(), harness.tracked, "o-1", 9); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected missing version error, got %v", err)
	}
}

func TestChangesDescribeRecords(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	document := harness.seed(t, docstore.Document{"_id": "o-1", "status": "open"})
	document["status"] = "closed"
	harness.save(t, document, docstore.CallOptions{User: "ann", Reason: "done"})

	changes, err := harness.interceptor.Changes(context.Background(), "orders", "o-1", history.Query{})
	if err != nil {
		t.Fatalf("unexpected changes error: %v", err)
	}
	if len(changes) != 1 || changes[0].Comment != `modified status from "open" to "closed"` || changes[0].User != "ann" {
		t.Fatalf("unexpected changes: %#v", changes)
	}
}

func TestRegisterPolicyConfigRejectsInvalidShapes(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})

	if err := harness.interceptor.RegisterPolicyConfig("orders", map[string]any{"omit": 7}); !errors.Is(err, redaction.ErrInvalidPolicy) {
		t.Fatalf("expected invalid policy error, got %v", err)
	}
	if err := harness.interceptor.RegisterPolicyConfig("orders", map[string]any{"required": "tenant"}); !errors.Is(err, history.ErrUnknownAttribution) {
		t.Fatalf("expected unknown attribution error, got %v", err)
	}
	if err := harness.interceptor.RegisterPolicyConfig("orders", map[string]any{"ttl": 3}); !errors.Is(err, ErrInvalidPolicyConfig) {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if err := harness.interceptor.RegisterPolicy(" ", Policy{}); err == nil {
		t.Fatalf("expected missing collection error")
	}
}

func TestSessionRollbackDiscardsSaveHistory(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	document := harness.seed(t, docstore.Document{"_id": "o-1", "status": "open"})

	tx := harness.db.Begin()
	if tx.Error != nil {
		t.Fatalf("failed to begin transaction: %v", tx.Error)
	}
	document["status"] = "closed"
	if _, err := harness.tracked.Save(context.Background(), document, docstore.CallOptions{User: "ann", Session: tx}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := tx.Rollback().Error; err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	if records := harness.history(t, "o-1"); len(records) != 0 {
		t.Fatalf("expected rolled back history to vanish, got %d records", len(records))
	}
	if stored := harness.find(t, "o-1"); stored["status"] != "open" {
		t.Fatalf("expected document to stay untouched, got %#v", stored)
	}
	// the observer runs before the caller decides to commit
	if len(harness.observed) != 1 {
		t.Fatalf("expected observer to see the uncommitted record, got %d", len(harness.observed))
	}
}

func TestSessionCarriesUpdateAndDeleteHistory(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	harness.seed(t, docstore.Document{"_id": "o-1", "status": "open"})
	harness.seed(t, docstore.Document{"_id": "o-2", "status": "open"})

	tx := harness.db.Begin()
	if tx.Error != nil {
		t.Fatalf("failed to begin transaction: %v", tx.Error)
	}
	update := mustParseUpdate(t, map[string]any{"$set": map[string]any{"status": "held"}})
	result, err := harness.tracked.UpdateMany(context.Background(), map[string]any{"status": "open"}, update, docstore.UpdateOptions{CallOptions: docstore.CallOptions{User: "ann", Session: tx}})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if result.Modified != 2 {
		t.Fatalf("expected 2 modified documents, got %#v", result)
	}
	stored, err := harness.tracked.FindByID(context.Background(), "o-2", tx)
	if err != nil {
		t.Fatalf("failed to load o-2 inside transaction: %v", err)
	}
	if err := harness.tracked.Delete(context.Background(), stored, docstore.CallOptions{Session: tx}); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	assertRecordVersions(t, harness.history(t, "o-1"), 0)
	records := harness.history(t, "o-2")
	assertRecordVersions(t, records, 0, 1)
	if !reflect.DeepEqual(records[0].Diff, history.Diff{"status": []any{"open", "held"}}) {
		t.Fatalf("unexpected update diff %#v", records[0].Diff)
	}
	if _, removed := records[1].Diff["status"]; !removed {
		t.Fatalf("expected deletion snapshot, got %#v", records[1].Diff)
	}
	if len(harness.observed) != 3 {
		t.Fatalf("expected observer to see 3 records, got %d", len(harness.observed))
	}
}

func TestFailedMutationIsNotObserved(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})

	err := harness.tracked.Delete(context.Background(), docstore.Document{"_id": "ghost", "status": "open"}, docstore.CallOptions{})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected missing document error, got %v", err)
	}
	if len(harness.observed) != 0 {
		t.Fatalf("expected no observed records, got %#v", harness.observed)
	}
}

func TestSaveComparesNumericIdentityAsStored(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	harness.seed(t, docstore.Document{"_id": 5, "status": "open"})

	harness.save(t, docstore.Document{"_id": 5, "status": "closed"}, docstore.CallOptions{})

	records := harness.history(t, "5")
	assertRecordVersions(t, records, 0)
	if !reflect.DeepEqual(records[0].Diff, history.Diff{"status": []any{"open", "closed"}}) {
		t.Fatalf("expected only the status change, got %#v", records[0].Diff)
	}

	if _, err := harness.tracked.UpdateOne(context.Background(), map[string]any{"_id": 5}, mustParseUpdate(t, map[string]any{"status": "void"}), docstore.UpdateOptions{}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	assertRecordVersions(t, harness.history(t, "5"), 0, 1)
}

func newTestHarness(t *testing.T, schema docstore.Schema) *testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:revision_interceptor_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&history.Record{}, &docstore.StoredDocument{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	store, err := history.NewGormStore(history.GormStoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct history store: %v", err)
	}
	documents, err := docstore.NewStore(docstore.StoreConfig{Database: db, Clock: clock, BatchSize: 2})
	if err != nil {
		t.Fatalf("failed to construct document store: %v", err)
	}
	collection, err := documents.Collection("orders", schema)
	if err != nil {
		t.Fatalf("failed to open collection: %v", err)
	}

	harness := &testHarness{collection: collection, store: store, db: db}
	harness.interceptor, err = New(Config{
		Store:    store,
		OnRecord: func(record history.Record) { harness.observed = append(harness.observed, record) },
	})
	if err != nil {
		t.Fatalf("failed to construct interceptor: %v", err)
	}
	harness.tracked = harness.interceptor.Track(collection)
	return harness
}

func (h *testHarness) seed(t *testing.T, document docstore.Document) docstore.Document {
	t.Helper()
	saved, err := h.collection.Save(context.Background(), document, docstore.CallOptions{})
	if err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}
	return saved
}

func (h *testHarness) save(t *testing.T, document docstore.Document, options docstore.CallOptions) {
	t.Helper()
	if _, err := h.tracked.Save(context.Background(), document, options); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
}

func (h *testHarness) find(t *testing.T, id string) docstore.Document {
	t.Helper()
	document, err := h.collection.FindByID(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("failed to load %s: %v", id, err)
	}
	return document
}

func (h *testHarness) history(t *testing.T, id string) []history.Record {
	t.Helper()
	records, err := h.interceptor.GetHistory(context.Background(), "orders", id, history.Query{})
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	return records
}

func mustParseUpdate(t *testing.T, raw map[string]any) docstore.Update {
	t.Helper()
	update, err := docstore.ParseUpdate(raw)
	if err != nil {
		t.Fatalf("failed to parse update: %v", err)
	}
	return update
}

func assertRecordVersions(t *testing.T, records []history.Record, expected ...int64) {
	t.Helper()
	if len(records) != len(expected) {
		t.Fatalf("expected %d records, got %d", len(expected), len(records))
	}
	for index, record := range records {
		if record.Version != expected[index] {
			t.Fatalf("record %d: expected version %d, got %d", index, expected[index], record.Version)
		}
	}
}

func TestCatalogReusesTrackedRepositories(t *testing.T) {
	harness := newTestHarness(t, docstore.Schema{})
	documents, err := docstore.NewStore(docstore.StoreConfig{Database: harness.db})
	if err != nil {
		t.Fatalf("failed to construct document store: %v", err)
	}
	catalog := harness.interceptor.NewCatalog(documents, map[string]docstore.Schema{
		"orders": {Fields: []string{"status"}, Strict: true},
	})

	orders, err := catalog.Repository("orders")
	if err != nil {
		t.Fatalf("unexpected catalog error: %v", err)
	}
	again, err := catalog.Repository(" orders ")
	if err != nil {
		t.Fatalf("unexpected catalog error: %v", err)
	}
	if orders != again {
		t.Fatalf("expected the same tracked repository")
	}
	if !orders.Schema().Strict {
		t.Fatalf("expected declared schema to apply")
	}
	notes, err := catalog.Repository("notes")
	if err != nil {
		t.Fatalf("unexpected catalog error: %v", err)
	}
	if notes.Schema().Strict {
		t.Fatalf("expected undeclared collection to be lenient")
	}
	if _, err := catalog.Repository(" "); !errors.Is(err, docstore.ErrInvalidDocument) {
		t.Fatalf("expected invalid name error, got %v", err)
	}
}
