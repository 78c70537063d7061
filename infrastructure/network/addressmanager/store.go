package addressmanager

import (
	"bufio"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/gnutd/gnutd/infrastructure/db/database"
	"github.com/pkg/errors"
)

// Store persists the reputation set of a CaughtHostCache.
type Store interface {
	// LoadHosts returns the stored hosts, best connection prospects
	// first.
	LoadHosts() ([]*CaughtHost, error)

	// SaveHosts replaces the stored hosts.
	SaveHosts(hosts []*CaughtHost) error
}

// FileStore keeps caught hosts in a text file, one SerializeLine per line.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LoadHosts implements Store. A missing file holds no hosts. Malformed
// lines are skipped.
func (fs *FileStore) LoadHosts() ([]*CaughtHost, error) {
	file, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	defer file.Close()

	var hosts []*CaughtHost
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, err := ParseCaughtHostLine(line)
		if err != nil {
			log.Debugf("Skipping caught host: %s", err)
			continue
		}
		hosts = append(hosts, host)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading %s", fs.path)
	}
	return hosts, nil
}

// SaveHosts implements Store. The file is replaced atomically.
func (fs *FileStore) SaveHosts(hosts []*CaughtHost) error {
	err := os.MkdirAll(filepath.Dir(fs.path), 0700)
	if err != nil {
		return errors.WithStack(err)
	}

	var builder strings.Builder
	for _, host := range hosts {
		builder.WriteString(host.SerializeLine())
		builder.WriteByte('\n')
	}

	tmpPath := fs.path + ".tmp"
	err = ioutil.WriteFile(tmpPath, []byte(builder.String()), 0600)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmpPath, fs.path))
}

var caughtHostsBucket = database.MakeBucket([]byte("caught-hosts"))

// DatabaseStore keeps caught hosts in a key-value database. Each host is
// stored under its rank in the reputation set so that iteration returns
// them best first.
type DatabaseStore struct {
	database database.Database
}

// NewDatabaseStore returns a DatabaseStore on top of db.
func NewDatabaseStore(db database.Database) *DatabaseStore {
	return &DatabaseStore{database: db}
}

func rankKey(rank int) []byte {
	// Fixed width decimal keeps the database key order equal to the rank
	// order.
	key := []byte("0000000000")
	for i := len(key) - 1; i >= 0 && rank > 0; i-- {
		key[i] = byte('0' + rank%10)
		rank /= 10
	}
	return caughtHostsBucket.Key(key)
}

// LoadHosts implements Store.
func (ds *DatabaseStore) LoadHosts() ([]*CaughtHost, error) {
	var hosts []*CaughtHost
	err := ds.database.ForEach(caughtHostsBucket, func(key []byte, value []byte) error {
		host, err := ParseCaughtHostLine(string(value))
		if err != nil {
			log.Debugf("Skipping caught host %s: %s", key, err)
			return nil
		}
		hosts = append(hosts, host)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hosts, nil
}

// SaveHosts implements Store.
func (ds *DatabaseStore) SaveHosts(hosts []*CaughtHost) error {
	var staleKeys [][]byte
	err := ds.database.ForEach(caughtHostsBucket, func(key []byte, _ []byte) error {
		staleKeys = append(staleKeys, caughtHostsBucket.Key(key))
		return nil
	})
	if err != nil {
		return err
	}

	for rank, host := range hosts {
		err := ds.database.Put(rankKey(rank), []byte(host.SerializeLine()))
		if err != nil {
			return err
		}
	}
	for _, key := range staleKeys[min(len(hosts), len(staleKeys)):] {
		err := ds.database.Delete(key)
		if err != nil {
			return err
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
