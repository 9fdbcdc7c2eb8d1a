package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehr/internal/fhirerr"
	"github.com/ehr/ehr/internal/store"
)

func TestStoreCreateAndRead(t *testing.T) {
	ctx := context.Background()
	s := store.New(globalDB.Pool)
	id := uuid.New().String()

	err := withConn(ctx, globalDB.Pool, func(ctx context.Context) error {
		body := map[string]interface{}{
			"resourceType": "Patient",
			"id":           id,
			"active":       true,
		}
		created, err := s.Create(ctx, "Patient", body)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if created.Version != 1 {
			t.Fatalf("expected version 1, got %d", created.Version)
		}

		got, err := s.Read(ctx, "Patient", id)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Version != 1 || got.Deleted {
			t.Fatalf("unexpected read result: %+v", got)
		}
		if got.Body["active"] != true {
			t.Fatalf("expected active=true in body, got %v", got.Body["active"])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreUpdateBumpsVersionAndHistory(t *testing.T) {
	ctx := context.Background()
	s := store.New(globalDB.Pool)
	id := uuid.New().String()

	err := withConn(ctx, globalDB.Pool, func(ctx context.Context) error {
		if _, err := s.Create(ctx, "Patient", map[string]interface{}{
			"resourceType": "Patient", "id": id, "active": true,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}

		updated, err := s.Update(ctx, "Patient", id, map[string]interface{}{
			"resourceType": "Patient", "id": id, "active": false,
		}, nil)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Version != 2 {
			t.Fatalf("expected version 2, got %d", updated.Version)
		}

		hist, err := s.History(ctx, "Patient", id, store.HistoryOptions{})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(hist) != 2 {
			t.Fatalf("expected 2 history entries, got %d", len(hist))
		}
		if hist[0].Version != 2 {
			t.Fatalf("expected newest-first ordering, got version %d first", hist[0].Version)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := store.New(globalDB.Pool)
	id := uuid.New().String()

	err := withConn(ctx, globalDB.Pool, func(ctx context.Context) error {
		if _, err := s.Create(ctx, "Patient", map[string]interface{}{
			"resourceType": "Patient", "id": id,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}

		wrong := 5
		_, err := s.Update(ctx, "Patient", id, map[string]interface{}{
			"resourceType": "Patient", "id": id,
		}, &wrong)
		if err == nil {
			t.Fatal("expected version conflict error")
		}
		fe, ok := fhirerr.As(err)
		if !ok || fe.Kind != fhirerr.KindVersionConflict {
			t.Fatalf("expected KindVersionConflict, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreDeleteIsIdempotentAndReadReturnsDeleted(t *testing.T) {
	ctx := context.Background()
	s := store.New(globalDB.Pool)
	id := uuid.New().String()

	err := withConn(ctx, globalDB.Pool, func(ctx context.Context) error {
		if _, err := s.Create(ctx, "Patient", map[string]interface{}{
			"resourceType": "Patient", "id": id,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}

		v1, already1, err := s.Delete(ctx, "Patient", id)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if already1 || v1 != 2 {
			t.Fatalf("expected first delete to bump to version 2, got v=%d already=%v", v1, already1)
		}

		v2, already2, err := s.Delete(ctx, "Patient", id)
		if err != nil {
			t.Fatalf("second delete: %v", err)
		}
		if !already2 || v2 != v1 {
			t.Fatalf("expected idempotent delete to report already-deleted at same version, got v=%d already=%v", v2, already2)
		}

		_, err = s.Read(ctx, "Patient", id)
		fe, ok := fhirerr.As(err)
		if !ok || fe.Kind != fhirerr.KindResourceDeleted {
			t.Fatalf("expected KindResourceDeleted from Read, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreHardDeleteRemovesAllVersions(t *testing.T) {
	ctx := context.Background()
	s := store.New(globalDB.Pool)
	id := uuid.New().String()

	err := withConn(ctx, globalDB.Pool, func(ctx context.Context) error {
		if _, err := s.Create(ctx, "Patient", map[string]interface{}{
			"resourceType": "Patient", "id": id,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.HardDelete(ctx, "Patient", id); err != nil {
			t.Fatalf("hard delete: %v", err)
		}
		_, err := s.Read(ctx, "Patient", id)
		fe, ok := fhirerr.As(err)
		if !ok || fe.Kind != fhirerr.KindResourceNotFound {
			t.Fatalf("expected KindResourceNotFound after hard delete, got %v", err)
		}

		// A subsequent create must restart the version counter at 1.
		created, err := s.Create(ctx, "Patient", map[string]interface{}{
			"resourceType": "Patient", "id": id,
		})
		if err != nil {
			t.Fatalf("recreate after hard delete: %v", err)
		}
		if created.Version != 1 {
			t.Fatalf("expected version counter reset to 1, got %d", created.Version)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreCheckResourcesExist(t *testing.T) {
	ctx := context.Background()
	s := store.New(globalDB.Pool)
	idA := uuid.New().String()
	idB := uuid.New().String()

	err := withConn(ctx, globalDB.Pool, func(ctx context.Context) error {
		if _, err := s.Create(ctx, "Patient", map[string]interface{}{
			"resourceType": "Patient", "id": idA,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}

		result, err := s.CheckResourcesExist(ctx, [][2]string{{"Patient", idA}, {"Patient", idB}})
		if err != nil {
			t.Fatalf("check exist: %v", err)
		}
		if !result[[2]string{"Patient", idA}] {
			t.Fatalf("expected idA to exist")
		}
		if result[[2]string{"Patient", idB}] {
			t.Fatalf("expected idB to not exist")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreHistoryAtReturnsVersionCurrentAtTime(t *testing.T) {
	ctx := context.Background()
	s := store.New(globalDB.Pool)
	id := uuid.New().String()

	err := withConn(ctx, globalDB.Pool, func(ctx context.Context) error {
		if _, err := s.Create(ctx, "Patient", map[string]interface{}{
			"resourceType": "Patient", "id": id,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
		cutoff := time.Now().UTC()
		time.Sleep(10 * time.Millisecond)
		if _, err := s.Update(ctx, "Patient", id, map[string]interface{}{
			"resourceType": "Patient", "id": id, "active": true,
		}, nil); err != nil {
			t.Fatalf("update: %v", err)
		}

		hist, err := s.History(ctx, "Patient", id, store.HistoryOptions{At: &cutoff})
		if err != nil {
			t.Fatalf("history at: %v", err)
		}
		if len(hist) != 1 || hist[0].Version != 1 {
			t.Fatalf("expected only version 1 at cutoff, got %+v", hist)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
