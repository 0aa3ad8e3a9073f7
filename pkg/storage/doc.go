/*
Package storage persists domain declarations and their recorded status.

The store is the controller's source of truth for what should run. The CLI
writes declarations into it and the reconciler reads them on every pass. The
reconciler also writes back the observed state of every server, so that a
restarted controller still knows which servers were stopped and can delete
their pods without waiting for a graceful shutdown.

# BoltDB Layout

	steward.db
	├── domains     uid → Domain (JSON, Status stripped)
	└── statuses    uid → DomainStatus (JSON)

Declarations and statuses live in separate buckets so that applying a new
declaration never overwrites the recorded status, and recording a status never
races with a declaration change. Reads join the two: GetDomain and
ListDomains return the domain with its Status attached.

	store, err := storage.NewBoltStore("/var/lib/steward")
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateDomain(domain); err != nil {
		return err
	}

	status := &types.DomainStatus{IntrospectVersion: "2"}
	if err := store.SaveDomainStatus(domain.UID, status); err != nil {
		return err
	}

# Errors

Lookups of unknown domains return errors wrapping ErrNotFound:

	if errors.Is(err, storage.ErrNotFound) {
		// the domain was deleted
	}

SaveDomainStatus also returns ErrNotFound for a deleted domain, so a late
status write cannot bring a domain back.

# Locking

BoltDB takes an exclusive file lock. Only one process can open the store at a
time; NewBoltStore gives up after one second when another process, usually a
running controller, holds it.
*/
package storage
