/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/peterbourgon/diskv/v3"
	log "github.com/sirupsen/logrus"
)

// DiskvStore keeps every slot in its own file under a base directory,
// mirroring how the portal web app uses two local storage keys.
type DiskvStore struct {
	mu sync.Mutex
	// dv is a diskv instance
	dv *diskv.Diskv
}

// NewDiskvStore creates a store under dir.
func NewDiskvStore(dir string) (*DiskvStore, error) {
	if dir == "" {
		return nil, trace.BadParameter("session storage dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:     dir,
		TempDir:      dir + ".tmp",
		Transform:    flatTransform,
		// No cache: other processes may rewrite the slots under us.
		CacheSizeMax: 0,
		FilePerm:     0o600,
		PathPerm:     0o700,
	})
	return &DiskvStore{dv: dv}, nil
}

// Get implements Store. A half-present session (one slot without the other)
// is treated as absent and the leftover slot is erased.
func (d *DiskvStore) Get(_ context.Context) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	access, err := d.read(AccessTokenSlot)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, err := d.read(RefreshTokenSlot)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if access == "" || refresh == "" {
		if access != "" || refresh != "" {
			log.Warn("Found an incomplete session on disk, erasing it")
			if err := d.clear(); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		return nil, notFound()
	}

	sess := &Session{AccessToken: access, RefreshToken: refresh}
	expiresAt, err := d.read(ExpiresAtSlot)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if expiresAt != "" {
		t, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return nil, trace.Wrap(err, "malformed %v slot", ExpiresAtSlot)
		}
		sess.ExpiresAt = t
	}
	return sess, nil
}

// Put implements Store.
func (d *DiskvStore) Put(_ context.Context, sess *Session) error {
	if err := sess.Check(); err != nil {
		return trace.Wrap(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	expiresAt := ""
	if !sess.ExpiresAt.IsZero() {
		expiresAt = sess.ExpiresAt.UTC().Format(time.RFC3339)
	}
	// The access token goes last: Get only reports a session when both tokens are there.
	for _, slot := range []struct{ key, value string }{
		{RefreshTokenSlot, sess.RefreshToken},
		{ExpiresAtSlot, expiresAt},
		{AccessTokenSlot, sess.AccessToken},
	} {
		if err := d.dv.Write(slot.key, []byte(slot.value)); err != nil {
			// Never leave a mix of old and new slots behind.
			if clearErr := d.clear(); clearErr != nil {
				return trace.NewAggregate(err, clearErr)
			}
			return trace.Wrap(err)
		}
	}
	return nil
}

// Clear implements Store.
func (d *DiskvStore) Clear(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return trace.Wrap(d.clear())
}

func (d *DiskvStore) clear() error {
	// The access token goes first so a crash mid-way leaves no usable credential.
	for _, key := range []string{AccessTokenSlot, RefreshTokenSlot, ExpiresAtSlot} {
		if !d.dv.Has(key) {
			continue
		}
		if err := d.dv.Erase(key); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (d *DiskvStore) read(key string) (string, error) {
	if !d.dv.Has(key) {
		return "", nil
	}
	b, err := d.dv.Read(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(b), nil
}
