package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/steward/pkg/types"
	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDomains  = []byte("domains")
	bucketStatuses = []byte("statuses")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "steward.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDomains, bucketStatuses} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Domain operations

// CreateDomain stores domain under its UID, replacing any earlier record
func (s *BoltStore) CreateDomain(domain *types.Domain) error {
	if domain.UID == "" {
		return fmt.Errorf("domain uid is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDomains)
		record := *domain
		record.Status = nil
		data, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("failed to marshal domain %s: %w", domain.UID, err)
		}
		return b.Put([]byte(domain.UID), data)
	})
}

// GetDomain returns the domain with uid and its recorded status
func (s *BoltStore) GetDomain(uid string) (*types.Domain, error) {
	var domain types.Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDomains).Get([]byte(uid))
		if data == nil {
			return fmt.Errorf("domain %s: %w", uid, ErrNotFound)
		}
		if err := json.Unmarshal(data, &domain); err != nil {
			return err
		}
		return readStatus(tx, &domain)
	})
	if err != nil {
		return nil, err
	}
	return &domain, nil
}

// GetDomainByName returns the domain called name in namespace
func (s *BoltStore) GetDomainByName(namespace, name string) (*types.Domain, error) {
	domains, err := s.ListDomains()
	if err != nil {
		return nil, err
	}
	for _, d := range domains {
		if d.Namespace == namespace && d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("domain %s/%s: %w", namespace, name, ErrNotFound)
}

// ListDomains returns every domain with its recorded status, ordered by UID
func (s *BoltStore) ListDomains() ([]*types.Domain, error) {
	var domains []*types.Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(k, v []byte) error {
			var domain types.Domain
			if err := json.Unmarshal(v, &domain); err != nil {
				return fmt.Errorf("failed to unmarshal domain %s: %w", k, err)
			}
			if err := readStatus(tx, &domain); err != nil {
				return err
			}
			domains = append(domains, &domain)
			return nil
		})
	})
	return domains, err
}

// UpdateDomain replaces the stored domain
func (s *BoltStore) UpdateDomain(domain *types.Domain) error {
	return s.CreateDomain(domain) // Same as create (upsert)
}

// DeleteDomain removes the domain and its recorded status
func (s *BoltStore) DeleteDomain(uid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDomains).Delete([]byte(uid)); err != nil {
			return err
		}
		return tx.Bucket(bucketStatuses).Delete([]byte(uid))
	})
}

// Status operations

// GetDomainStatus returns the recorded status of the domain, or nil when none
// has been recorded
func (s *BoltStore) GetDomainStatus(uid string) (*types.DomainStatus, error) {
	var status *types.DomainStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStatuses).Get([]byte(uid))
		if data == nil {
			return nil
		}
		status = &types.DomainStatus{}
		return json.Unmarshal(data, status)
	})
	return status, err
}

// SaveDomainStatus records the observed status of the domain
func (s *BoltStore) SaveDomainStatus(uid string, status *types.DomainStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDomains).Get([]byte(uid)) == nil {
			return fmt.Errorf("domain %s: %w", uid, ErrNotFound)
		}
		data, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to marshal status of domain %s: %w", uid, err)
		}
		return tx.Bucket(bucketStatuses).Put([]byte(uid), data)
	})
}

func readStatus(tx *bolt.Tx, domain *types.Domain) error {
	data := tx.Bucket(bucketStatuses).Get([]byte(domain.UID))
	if data == nil {
		return nil
	}
	domain.Status = &types.DomainStatus{}
	if err := json.Unmarshal(data, domain.Status); err != nil {
		return fmt.Errorf("failed to unmarshal status of domain %s: %w", domain.UID, err)
	}
	return nil
}
