package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies the migration-created indexes are present.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_documents_fingerprint", "idx_chat_messages_document", "idx_jobs_claim"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestChunkAndCacheTablesExist verifies the tables owned by other packages
// are created by the shared migrations.
func TestChunkAndCacheTablesExist(t *testing.T) {
	s := openTestStore(t)

	tables := []string{"document_chunks", "embedding_cache", "document_cache"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %q not found in sqlite_master", table)
		}
	}
}

// TestSaveAndGetDocument saves a document and retrieves it by ID.
func TestSaveAndGetDocument(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	want := Document{
		ID:          "doc-001",
		Name:        "report.pdf",
		Fingerprint: "abcd1234",
		Status:      DocStatusPending,
		CreatedAt:   now,
	}

	if err := s.SaveDocument(want); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := s.GetDocument("doc-001")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}

	if got.ID != want.ID {
		t.Errorf("ID = %q, want %q", got.ID, want.ID)
	}
	if got.Name != want.Name {
		t.Errorf("Name = %q, want %q", got.Name, want.Name)
	}
	if got.Fingerprint != want.Fingerprint {
		t.Errorf("Fingerprint = %q, want %q", got.Fingerprint, want.Fingerprint)
	}
	if got.Status != DocStatusPending {
		t.Errorf("Status = %q, want %q", got.Status, DocStatusPending)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

// TestGetDocumentNotFound verifies that retrieving a non-existent ID returns ErrNotFound.
func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetDocument("does-not-exist")
	if err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGetDocumentByFingerprint(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveDocument(Document{ID: "doc-fp", Name: "a.pdf", Fingerprint: "fp-1"}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := s.GetDocumentByFingerprint("fp-1")
	if err != nil {
		t.Fatalf("GetDocumentByFingerprint: %v", err)
	}
	if got.ID != "doc-fp" {
		t.Errorf("ID = %q, want %q", got.ID, "doc-fp")
	}

	if _, err := s.GetDocumentByFingerprint("fp-unknown"); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestListDocuments saves 10 documents and verifies limit and descending order.
func TestListDocuments(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for j := 0; j < 10; j++ {
		doc := Document{
			ID:          fmt.Sprintf("doc-%02d", j),
			Name:        fmt.Sprintf("file-%d.pdf", j),
			Fingerprint: fmt.Sprintf("fp-%d", j),
			CreatedAt:   base.Add(time.Duration(j) * time.Hour),
		}
		if err := s.SaveDocument(doc); err != nil {
			t.Fatalf("SaveDocument %d: %v", j, err)
		}
	}

	got, err := s.ListDocuments(5)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}

	if len(got) != 5 {
		t.Fatalf("got %d documents, want 5", len(got))
	}

	for k := 1; k < len(got); k++ {
		if got[k].CreatedAt.After(got[k-1].CreatedAt) {
			t.Errorf("not in descending order: [%d]=%v > [%d]=%v", k, got[k].CreatedAt, k-1, got[k-1].CreatedAt)
		}
	}

	if got[0].ID != "doc-09" {
		t.Errorf("first result ID = %q, want %q", got[0].ID, "doc-09")
	}
}

func TestUpdateDocumentStatus(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveDocument(Document{ID: "doc-st", Name: "a.pdf", Fingerprint: "fp"}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if err := s.UpdateDocumentStatus("doc-st", DocStatusFailed, "extraction broke"); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}

	got, err := s.GetDocument("doc-st")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocStatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, DocStatusFailed)
	}
	if got.LastError != "extraction broke" {
		t.Errorf("LastError = %q, want %q", got.LastError, "extraction broke")
	}

	if err := s.UpdateDocumentStatus("missing", DocStatusReady, ""); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMarkDocumentReady(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveDocument(Document{ID: "doc-ready", Name: "a.pdf", Fingerprint: "fp", Status: DocStatusProcessing, LastError: "old"}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if err := s.MarkDocumentReady("doc-ready", 12, 40, 9000); err != nil {
		t.Fatalf("MarkDocumentReady: %v", err)
	}

	got, err := s.GetDocument("doc-ready")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != DocStatusReady {
		t.Errorf("Status = %q, want %q", got.Status, DocStatusReady)
	}
	if got.PageCount != 12 || got.ChunkCount != 40 || got.TokenCount != 9000 {
		t.Errorf("stats = (%d, %d, %d), want (12, 40, 9000)", got.PageCount, got.ChunkCount, got.TokenCount)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want cleared", got.LastError)
	}
}

func TestDeleteDocument(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveDocument(Document{ID: "doc-del", Name: "a.pdf", Fingerprint: "fp"}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if err := s.SaveChatMessage(ChatMessage{ID: "m1", DocumentID: "doc-del", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("SaveChatMessage: %v", err)
	}

	if err := s.DeleteDocument("doc-del"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	if _, err := s.GetDocument("doc-del"); err != ErrNotFound {
		t.Errorf("document still present after delete: %v", err)
	}
	msgs, err := s.GetChatMessages("doc-del", 10)
	if err != nil {
		t.Fatalf("GetChatMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d chat messages after delete, want 0", len(msgs))
	}

	if err := s.DeleteDocument("doc-del"); err != ErrNotFound {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestChatMessages_ChronologicalOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for j := 0; j < 4; j++ {
		role := "user"
		if j%2 == 1 {
			role = "assistant"
		}
		m := ChatMessage{
			ID:         fmt.Sprintf("m-%02d", j),
			DocumentID: "doc-chat",
			Role:       role,
			Content:    fmt.Sprintf("message %d", j),
			CreatedAt:  base.Add(time.Duration(j) * time.Millisecond),
		}
		if err := s.SaveChatMessage(m); err != nil {
			t.Fatalf("SaveChatMessage %d: %v", j, err)
		}
	}

	got, err := s.GetChatMessages("doc-chat", 10)
	if err != nil {
		t.Fatalf("GetChatMessages: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}
	for j, m := range got {
		if m.ID != fmt.Sprintf("m-%02d", j) {
			t.Errorf("message %d ID = %q, not chronological", j, m.ID)
		}
	}

	limited, err := s.GetChatMessages("doc-chat", 2)
	if err != nil {
		t.Fatalf("GetChatMessages limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d messages with limit 2", len(limited))
	}
}

// TestJobsTableExists verifies the jobs table is created by migration and supports round-trip.
func TestJobsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json, run_after, created_at, updated_at)
		VALUES ('j1', 'document_ingest', '{"document_id":"d1"}', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("INSERT into jobs: %v", err)
	}

	var id, typ, payload, status string
	var attempts, maxAttempts int
	err = s.db.QueryRow(`SELECT id, type, payload_json, status, attempts, max_attempts FROM jobs WHERE id = 'j1'`).
		Scan(&id, &typ, &payload, &status, &attempts, &maxAttempts)
	if err != nil {
		t.Fatalf("SELECT from jobs: %v", err)
	}

	if id != "j1" {
		t.Errorf("id = %q, want %q", id, "j1")
	}
	if typ != "document_ingest" {
		t.Errorf("type = %q, want %q", typ, "document_ingest")
	}
	if payload != `{"document_id":"d1"}` {
		t.Errorf("payload_json = %q, want %q", payload, `{"document_id":"d1"}`)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if maxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", maxAttempts)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "document_ingest",
		PayloadJSON: `{"document_id":"d1"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"document_ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != "document_ingest" {
		t.Errorf("Type = %q, want %q", got.Type, "document_ingest")
	}
	if got.PayloadJSON != `{"document_id":"d1"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"document_id":"d1"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"document_ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "document_ingest",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"document_ingest"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}
