package app

import (
	"strconv"
	"time"

	"github.com/gnutd/gnutd/infrastructure/db/database"
	"github.com/gnutd/gnutd/wire"
)

var (
	nodeBucket       = database.MakeBucket([]byte("node"))
	serventIDKey     = nodeBucket.Key([]byte("serventid"))
	averageUptimeKey = nodeBucket.Key([]byte("averageuptime"))
)

// averageUptimeSamples is the weight of the stored average against the
// uptime of a single session.
const averageUptimeSamples = 4

// loadServentID returns the servent id stored in db, creating and storing
// a new one on the first run. The id stays the same across runs so that
// push routes announced in earlier query hits keep working.
func loadServentID(db database.Database) (wire.GUID, error) {
	serialized, err := db.Get(serventIDKey)
	if err == nil {
		serventID, err := wire.NewGUIDFromString(string(serialized))
		if err == nil {
			return serventID, nil
		}
		log.Warnf("Replacing malformed stored servent id: %s", err)
	} else if !database.IsNotFoundError(err) {
		return wire.GUID{}, err
	}

	serventID := wire.NewGUID()
	err = db.Put(serventIDKey, []byte(serventID.String()))
	if err != nil {
		return wire.GUID{}, err
	}
	log.Infof("Created servent id %s", serventID)
	return serventID, nil
}

// loadAverageUptime returns the uptime averaged over previous sessions,
// or zero on the first run.
func loadAverageUptime(db database.Database) (time.Duration, error) {
	serialized, err := db.Get(averageUptimeKey)
	if err != nil {
		if database.IsNotFoundError(err) {
			return 0, nil
		}
		return 0, err
	}
	seconds, err := strconv.ParseInt(string(serialized), 10, 64)
	if err != nil {
		log.Warnf("Ignoring malformed average uptime %q", serialized)
		return 0, nil
	}
	return time.Duration(seconds) * time.Second, nil
}

// storeSessionUptime folds the uptime of the session ending now into the
// stored average.
func storeSessionUptime(db database.Database, session time.Duration) error {
	average, err := loadAverageUptime(db)
	if err != nil {
		return err
	}
	updated := nextAverageUptime(average, session)
	return db.Put(averageUptimeKey, []byte(strconv.FormatInt(int64(updated/time.Second), 10)))
}

func nextAverageUptime(average time.Duration, session time.Duration) time.Duration {
	if average == 0 {
		return session
	}
	weight := time.Duration(averageUptimeSamples)
	return (average*(weight-1) + session) / weight
}
