package db

import (
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/fetch"
	"github.com/t7a/pitfetch/storepath"
	"github.com/vmihailenco/msgpack"
)

var _ fetch.Cache = (*Db)(nil)

// cacheRecord maps a source fingerprint to the id it produced.
type cacheRecord struct {
	Key     string
	ID      string
	Updated time.Time
}

func (db *Db) cachePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(db.Dir, "cache", hex.EncodeToString(sum[:]))
}

// Lookup returns the id last stored under key.
func (db *Db) Lookup(key string) (id storepath.ID, ok bool, err error) {
	defer Return(&err)
	buf, err := ioutil.ReadFile(db.cachePath(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	Ck(err)
	var rec cacheRecord
	err = msgpack.Unmarshal(buf, &rec)
	Ck(err)
	// guards against a hash collision on the file name
	if rec.Key != key {
		return "", false, nil
	}
	id, err = storepath.ParseID(rec.ID)
	Ck(err)
	return id, true, nil
}

// Upsert stores id under key, replacing any earlier value.
func (db *Db) Upsert(key string, id storepath.ID) (err error) {
	defer Return(&err)
	rec := cacheRecord{Key: key, ID: string(id), Updated: time.Now().UTC()}
	buf, err := msgpack.Marshal(&rec)
	Ck(err)
	err = renameio.WriteFile(db.cachePath(key), buf, 0644)
	Ck(err)
	return
}
