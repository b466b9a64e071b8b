// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/roomcast/roomcast/internal/logging"
)

// feedEntryTTL bounds how long a stale validator set survives; a feed that
// stops answering 304s re-downloads from scratch after this.
const feedEntryTTL = 7 * 24 * time.Hour

// FeedCache persists ICS feed bodies and their HTTP validators (ETag,
// Last-Modified) across restarts so unchanged feeds cost a 304 instead of a
// full transfer.
type FeedCache struct {
	db *badger.DB
}

// cachedFeed is the stored record for one feed URL.
type cachedFeed struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Body         []byte    `json:"body"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// OpenFeedCache opens (or creates) the badger store at path.
func OpenFeedCache(path string) (*FeedCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed cache at %s: %w", path, err)
	}
	return &FeedCache{db: db}, nil
}

// Close releases the underlying store.
func (c *FeedCache) Close() error {
	return c.db.Close()
}

func feedKey(feedURL string) []byte {
	sum := sha256.Sum256([]byte(feedURL))
	return []byte("feed:" + hex.EncodeToString(sum[:]))
}

// get returns the cached record for a URL, or nil when absent.
func (c *FeedCache) get(feedURL string) *cachedFeed {
	var entry cachedFeed
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(feedKey(feedURL))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logging.Warn().Err(err).Msg("feed cache read failed")
		}
		return nil
	}
	return &entry
}

// put stores the record for a URL. Failures are logged, not surfaced: the
// cache is an optimization, never a correctness dependency.
func (c *FeedCache) put(feedURL string, entry *cachedFeed) {
	val, err := json.Marshal(entry)
	if err != nil {
		logging.Warn().Err(err).Msg("feed cache encode failed")
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(feedKey(feedURL), val).WithTTL(feedEntryTTL)
		return txn.SetEntry(e)
	})
	if err != nil {
		logging.Warn().Err(err).Msg("feed cache write failed")
	}
}
