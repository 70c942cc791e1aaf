// ============================================================================
// cropbatch Storage - input/output locations
// ============================================================================
//
// Package: internal/storage
// File: storage.go
// Purpose: one interface over the local filesystem and a Redis keyspace
//
// Locations:
//   /data/crops.csv                  local file
//   out/                             local directory
//   redis://host:6379/inputs/img.jpg Redis key "inputs/img.jpg" (db 0)
//   redis://host:6379/out?db=2       Redis "directory" out/ in db 2
//
// A Redis directory is a key prefix; its entries are the keys "<dir>/<name>".
// An Opener caches one client per Redis server, so a worker that opens its
// image, its crop list and its output on the same server holds one
// connection pool. Each worker builds its own Opener.
//
// ============================================================================

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNotFound means the key does not exist
	ErrNotFound = errors.New("object not found")
	// ErrBadLocation means a location string cannot be parsed
	ErrBadLocation = errors.New("invalid storage location")
	// ErrRootRemoval means RemoveAll was asked to wipe a whole backend
	ErrRootRemoval = errors.New("refusing to remove storage root")
)

// Store is a flat key/value view of a storage backend.
type Store interface {
	// Get reads the object at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes data at key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte) error
	// List returns the keys directly under dir.
	List(ctx context.Context, dir string) ([]string, error)
	// MakeDir prepares dir for Put. A no-op for key/value backends.
	MakeDir(ctx context.Context, dir string) error
	// RemoveAll deletes dir and everything under it. Missing dirs are fine.
	// The backend root is never removed (ErrRootRemoval).
	RemoveAll(ctx context.Context, dir string) error
}

// Location is a parsed storage location.
type Location struct {
	Store  Store
	Key    string
	Remote bool
}

// Join returns the key of name inside the location's directory.
func (l Location) Join(name string) string {
	if l.Remote {
		if dir := strings.Trim(l.Key, "/"); dir != "" {
			return dir + "/" + name
		}
		return name
	}
	return filepath.Join(l.Key, name)
}

// IsRemote reports whether raw points at a remote backend.
func IsRemote(raw string) bool {
	return strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://")
}

// Opener resolves locations and owns the clients it creates.
type Opener struct {
	password string

	mu      sync.Mutex
	local   *Local
	remotes map[string]*Redis
}

// NewOpener creates an Opener. password is used for Redis servers whose
// URL carries no credentials.
func NewOpener(password string) *Opener {
	return &Opener{
		password: password,
		local:    NewLocal(),
		remotes:  make(map[string]*Redis),
	}
}

// Open parses raw and returns the store holding it.
func (o *Opener) Open(raw string) (Location, error) {
	if !IsRemote(raw) {
		if raw == "" {
			return Location{}, fmt.Errorf("%w: empty location", ErrBadLocation)
		}
		return Location{Store: o.local, Key: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrBadLocation, err)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("%w: %q has no host", ErrBadLocation, raw)
	}
	db := 0
	if v := u.Query().Get("db"); v != "" {
		if db, err = strconv.Atoi(v); err != nil {
			return Location{}, fmt.Errorf("%w: bad db %q", ErrBadLocation, v)
		}
	}
	password := o.password
	if p, ok := u.User.Password(); ok {
		password = p
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	id := fmt.Sprintf("%s|%s|%d", u.Scheme, u.Host, db)
	r, ok := o.remotes[id]
	if !ok {
		r = NewRedis(RedisOptions{
			Addr:     u.Host,
			Password: password,
			DB:       db,
			TLS:      u.Scheme == "rediss",
		})
		o.remotes[id] = r
	}
	return Location{Store: r, Key: strings.TrimPrefix(u.Path, "/"), Remote: true}, nil
}

// Close closes every Redis client the opener created.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for id, r := range o.remotes {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(o.remotes, id)
	}
	return errors.Join(errs...)
}
