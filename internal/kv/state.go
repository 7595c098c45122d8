package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// bucket gives typed, revision-aware access to status records and seal
// claims in a NATS KV bucket.
type bucket struct {
	kv jetstream.KeyValue
}

// recordEntry is a decoded record with the revision and time it was written.
type recordEntry struct {
	record   core.StatusRecord
	revision uint64
	written  time.Time
}

// getRecord loads the record at key. A missing or deleted key is
// core.ErrNotFound.
func (b bucket) getRecord(ctx context.Context, key string) (recordEntry, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return recordEntry{}, core.ErrNotFound
		}
		return recordEntry{}, fmt.Errorf("get %s: %w", key, err)
	}
	rec, err := core.UnmarshalStatusRecord(entry.Value())
	if err != nil {
		return recordEntry{}, err
	}
	return recordEntry{record: rec, revision: entry.Revision(), written: entry.Created()}, nil
}

// createRecord writes rec only if key does not exist yet.
func (b bucket) createRecord(ctx context.Context, key string, rec core.StatusRecord) error {
	data, err := core.MarshalStatusRecord(rec)
	if err != nil {
		return err
	}
	_, err = b.kv.Create(ctx, key, data)
	return err
}

// swapRecord replaces the record at key if it is still at revision.
func (b bucket) swapRecord(ctx context.Context, key string, rec core.StatusRecord, revision uint64) error {
	data, err := core.MarshalStatusRecord(rec)
	if err != nil {
		return err
	}
	_, err = b.kv.Update(ctx, key, data, revision)
	return err
}

// claim creates key holding owner. An existing key reports whether it
// already holds the same owner.
func (b bucket) claim(ctx context.Context, key, owner string) (bool, error) {
	_, err := b.kv.Create(ctx, key, []byte(owner))
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, err
	}
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return string(entry.Value()) == owner, nil
}

func (b bucket) put(ctx context.Context, key, value string) error {
	_, err := b.kv.Put(ctx, key, []byte(value))
	return err
}

func (b bucket) delete(ctx context.Context, key string) error {
	return b.kv.Delete(ctx, key)
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
