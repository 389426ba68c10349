// Package storage provides the storage abstraction layer for sealed local
// records: the authenticator's vault profile and its certificate cache
// tables.
package storage

// BatchTx exposes reads and writes inside one atomic transaction. The
// namespace is scoped to the batch, so methods don't require it. Either
// every write in the batch lands or none does.
type BatchTx interface {
	Get(recordType string, recordID string) (*Envelope, error)
	List(recordType string) ([]string, error)
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for sealed record storage. Records are
// addressed by (namespace, recordType, recordID); a namespace is one local
// user.
type Repository interface {
	Put(namespace string, recordType string, recordID string, envelope *Envelope) error
	Get(namespace string, recordType string, recordID string) (*Envelope, error)
	List(namespace string, recordType string) ([]string, error)
	Delete(namespace string, recordType string, recordID string) error
	PutCAS(namespace string, recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(namespace string, fn func(tx BatchTx) error) error
	DeleteNamespace(namespace string) error
}
