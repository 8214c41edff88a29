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
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fileRecord is the on-disk layout, one field per slot.
type fileRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// FileStore keeps the session in a single JSON file. Writes go through a
// temporary file and a rename so readers never see a half-written session.
// Not safe for several processes writing the same file.
type FileStore struct {
	mu       sync.Mutex
	filename string
}

// NewFileStore returns a store writing to filename. The parent directory is
// created on first write.
func NewFileStore(filename string) (*FileStore, error) {
	if filename == "" {
		return nil, trace.BadParameter("session file name is empty")
	}
	return &FileStore{filename: filename}, nil
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payload, err := os.ReadFile(f.filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound()
	}
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	var rec fileRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, trace.Wrap(err, "corrupted session file %v", f.filename)
	}
	sess := &Session{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken, ExpiresAt: rec.ExpiresAt}
	if err := sess.Check(); err != nil {
		return nil, trace.NotFound("incomplete session in %v: %v", f.filename, err)
	}
	return sess, nil
}

// Put implements Store.
func (f *FileStore) Put(_ context.Context, sess *Session) error {
	if err := sess.Check(); err != nil {
		return trace.Wrap(err)
	}
	payload, err := json.Marshal(fileRecord{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.filename)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp.Name(), f.filename); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Clear implements Store.
func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.filename)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return trace.ConvertSystemError(err)
}
