package repository_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/gridmover/internal/blocklog"
	"github.com/NamanBalaji/gridmover/internal/digest"
	"github.com/NamanBalaji/gridmover/internal/repository"
)

func TestNewBboltRepository_OpenError(t *testing.T) {
	dir := t.TempDir()
	_, err := repository.NewBboltRepository(dir)
	if err == nil {
		t.Errorf("Expected error when opening DB on directory path, got nil")
	}
}

func TestNewBboltRepository_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "history.db")
	repo, err := repository.NewBboltRepository(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	repo.Close()
}

func TestSaveInvalid(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewBboltRepository(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	err = repo.Save(nil)
	if err == nil || err.Error() != "cannot save nil transfer" {
		t.Errorf("Expected error 'cannot save nil transfer', got %v", err)
	}

	if err := repo.Save(&repository.TransferRecord{}); err == nil {
		t.Errorf("Expected error saving record without ID")
	}
}

func TestSaveFindRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewBboltRepository(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	rec := &repository.TransferRecord{
		ID:        uuid.New(),
		Role:      "receiver",
		Mode:      "E",
		File:      "/tmp/data.bin",
		Remotes:   []string{"10.0.0.1:2288"},
		Size:      1000,
		Bytes:     600,
		StartTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Duration:  3 * time.Second,
		Status:    "Failed",
		Error:     "incomplete file detected",
		Checksums: []digest.Checksum{{Type: "MD5", Value: "abcd"}},
		Fragments: []blocklog.Range{{Begin: 0, End: 300}, {Begin: 700, End: 1000}},
	}
	if err := repo.Save(rec); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := repo.Find(rec.ID)
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if got.Mode != "E" || got.Bytes != 600 || got.Duration != 3*time.Second || got.Error != rec.Error {
		t.Errorf("Find returned wrong record: %+v", got)
	}
	if len(got.Fragments) != 2 || got.Fragments[1] != rec.Fragments[1] {
		t.Errorf("fragments not preserved: %v", got.Fragments)
	}
	if len(got.Checksums) != 1 || got.Checksums[0] != rec.Checksums[0] {
		t.Errorf("checksums not preserved: %v", got.Checksums)
	}
	if !got.StartTime.Equal(rec.StartTime) {
		t.Errorf("start time = %v, want %v", got.StartTime, rec.StartTime)
	}

	if _, err := repo.Find(uuid.New()); !errors.Is(err, repository.ErrTransferNotFound) {
		t.Errorf("Expected ErrTransferNotFound, got %v", err)
	}
	if _, err := repo.Find(uuid.Nil); err == nil {
		t.Errorf("Expected error finding Nil ID")
	}
}

func TestSaveFindAllDelete(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewBboltRepository(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	list, err := repo.FindAll()
	if err != nil {
		t.Fatalf("FindAll error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected empty list, got %d items", len(list))
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := &repository.TransferRecord{ID: uuid.New(), StartTime: base.Add(time.Hour)}
	older := &repository.TransferRecord{ID: uuid.New(), StartTime: base}
	for _, rec := range []*repository.TransferRecord{newer, older} {
		if err := repo.Save(rec); err != nil {
			t.Fatalf("Save error: %v", err)
		}
	}

	list, err = repo.FindAll()
	if err != nil {
		t.Fatalf("FindAll error: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID || list[1].ID != newer.ID {
		t.Errorf("FindAll should return oldest first: %+v", list)
	}

	err = repo.Delete(uuid.Nil)
	if err == nil {
		t.Errorf("Expected error deleting Nil ID, got nil")
	}

	err = repo.Delete(uuid.New())
	if !errors.Is(err, repository.ErrTransferNotFound) {
		t.Errorf("Expected ErrTransferNotFound deleting unknown ID, got %v", err)
	}

	for _, rec := range []*repository.TransferRecord{newer, older} {
		if err := repo.Delete(rec.ID); err != nil {
			t.Errorf("Delete error for existing ID: %v", err)
		}
	}

	list, err = repo.FindAll()
	if err != nil {
		t.Fatalf("FindAll error after delete: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected empty list after delete, got %d items", len(list))
	}
}

func TestCloseBehavior(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := repository.NewBboltRepository(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	err = repo.Close()
	if err != nil {
		t.Fatalf("Close error: %v", err)
	}

	err = repo.Save(&repository.TransferRecord{ID: uuid.New()})
	if err == nil {
		t.Errorf("Expected error Save after Close, got nil")
	}
	_, err = repo.FindAll()
	if err == nil {
		t.Errorf("Expected error FindAll after Close, got nil")
	}

	err = repo.Delete(uuid.New())
	if err == nil {
		t.Errorf("Expected error Delete after Close, got nil")
	}
}
