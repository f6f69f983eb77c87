package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"go.etcd.io/bbolt"
)

const (
	transfersBucket = "transfers"
	metadataBucket  = "metadata"
	schemaVersion   = 1
)

var (
	// ErrTransferNotFound is returned when a transfer record cannot be found
	ErrTransferNotFound = errors.New("transfer not found")
)

// BboltRepository implements Repository on a bbolt database
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository creates a new bbolt repository
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(transfersBucket))
		if err != nil {
			return fmt.Errorf("failed to create transfers bucket: %w", err)
		}

		metadataBucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		err = metadataBucket.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a transfer record, replacing any record with the same ID
func (r *BboltRepository) Save(record *TransferRecord) error {
	if record == nil {
		return errors.New("cannot save nil transfer")
	}
	if record.ID == uuid.Nil {
		return errors.New("transfer ID cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transfersBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", transfersBucket)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal transfer: %w", err)
		}

		err = bucket.Put([]byte(record.ID.String()), data)
		if err != nil {
			return fmt.Errorf("failed to save transfer: %w", err)
		}

		return nil
	})
}

// Find retrieves a transfer record by ID
func (r *BboltRepository) Find(id uuid.UUID) (*TransferRecord, error) {
	if id == uuid.Nil {
		return nil, errors.New("transfer ID cannot be empty")
	}

	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transfersBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", transfersBucket)
		}

		// bbolt memory is only valid inside the transaction
		if v := bucket.Get([]byte(id.String())); v != nil {
			data = append([]byte(nil), v...)
		}
		if data == nil {
			return ErrTransferNotFound
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	record := &TransferRecord{}

	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transfer: %w", err)
	}

	return record, nil
}

// FindAll retrieves all transfer records, oldest first
func (r *BboltRepository) FindAll() ([]*TransferRecord, error) {
	var records []*TransferRecord

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transfersBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", transfersBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			record := &TransferRecord{}

			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal transfer: %w", err)
			}

			records = append(records, record)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartTime.Before(records[j].StartTime)
	})

	return records, nil
}

// Delete removes a transfer record
func (r *BboltRepository) Delete(id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("transfer ID cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transfersBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", transfersBucket)
		}

		if bucket.Get([]byte(id.String())) == nil {
			return ErrTransferNotFound
		}

		return bucket.Delete([]byte(id.String()))
	})
}

// Close closes the database
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
