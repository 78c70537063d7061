package database

// Database defines the interface of a key-value database used by gnutd
// to persist host state between runs.
type Database interface {
	// Put sets the value for the given key. It overwrites
	// any previous value for that key.
	Put(key []byte, value []byte) error

	// Get gets the value for the given key. It returns
	// ErrNotFound if the given key does not exist.
	Get(key []byte) ([]byte, error)

	// Has returns true if the database does contains the
	// given key.
	Has(key []byte) (bool, error)

	// Delete deletes the value for the given key. Will not
	// return an error if the key doesn't exist.
	Delete(key []byte) error

	// ForEach calls f for every key-value pair inside bucket, in key
	// order. Iteration stops at the first error returned by f.
	ForEach(bucket *Bucket, f func(key []byte, value []byte) error) error

	// Close closes the database.
	Close() error
}
