// Package storage persists the client's durable slots: the credential and the
// current room. Backends are interchangeable behind Store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/roomchat/internal/config"
)

var ErrNotFound = errors.New("not found")

// Slot names one durable value.
type Slot string

const (
	SlotCredential  Slot = "credential"
	SlotCurrentRoom Slot = "currentRoom"
)

// Slots lists every slot the client writes.
var Slots = []Slot{SlotCredential, SlotCurrentRoom}

// Store persists raw slot values.
type Store interface {
	Get(ctx context.Context, slot Slot) ([]byte, error)
	Put(ctx context.Context, slot Slot, value []byte) error
	Delete(ctx context.Context, slot Slot) error
	Close() error
}

// Watcher is implemented by stores that can report changes made by other
// writers. fn is called with the changed slot until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func(Slot)) error
}

// GetJSON decodes a slot into v. It returns ErrNotFound when the slot is empty.
func GetJSON(ctx context.Context, store Store, slot Slot, v any) error {
	data, err := store.Get(ctx, slot)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s slot: %w", slot, err)
	}
	return nil
}

// PutJSON encodes v into a slot.
func PutJSON(ctx context.Context, store Store, slot Slot, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s slot: %w", slot, err)
	}
	return store.Put(ctx, slot, data)
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return NewMemoryStore(), nil
	case "", "file":
		store, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func validSlot(slot Slot) error {
	for _, known := range Slots {
		if slot == known {
			return nil
		}
	}
	return fmt.Errorf("unknown slot %q", slot)
}
