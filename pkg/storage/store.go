package storage

import (
	"errors"

	"github.com/cuemby/steward/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for controller state storage
type Store interface {
	// Domains
	CreateDomain(domain *types.Domain) error
	GetDomain(uid string) (*types.Domain, error)
	GetDomainByName(namespace, name string) (*types.Domain, error)
	ListDomains() ([]*types.Domain, error)
	UpdateDomain(domain *types.Domain) error
	DeleteDomain(uid string) error

	// Observed status, kept apart from the declared domain so that
	// re-applying a domain does not discard it
	GetDomainStatus(uid string) (*types.DomainStatus, error)
	SaveDomainStatus(uid string, status *types.DomainStatus) error

	// Utility
	Close() error
}
