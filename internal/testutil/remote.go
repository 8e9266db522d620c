package testutil

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/foliosync/internal/model"
)

// ErrRemoteNotFound is returned by FakeRemote for unknown paths.
var ErrRemoteNotFound = errors.New("fake remote: not found")

const fakeLinkPrefix = "https://fake-remote.test/link"

// FakeRemote is an in-memory stand-in for the remote file store. Children
// are returned in insertion order, like a directory listing.
type FakeRemote struct {
	mu        sync.Mutex
	children  map[string][]model.RemoteEntry
	content   map[string][]byte
	listErr   map[string]error
	linkErr   map[string]error
	linkTTL   time.Duration
	clock     *StubClock
	Listings  int
	Links     int
	Downloads int
}

// NewFakeRemote creates an empty store whose temporary links are stamped
// with clock.
func NewFakeRemote(clock *StubClock) *FakeRemote {
	return &FakeRemote{
		children: map[string][]model.RemoteEntry{"": nil},
		content:  make(map[string][]byte),
		listErr:  make(map[string]error),
		linkErr:  make(map[string]error),
		linkTTL:  4 * time.Hour,
		clock:    clock,
	}
}

func key(p string) string {
	p = strings.ToLower(strings.TrimRight(p, "/"))
	if p == "/" {
		return ""
	}
	return p
}

// AddFolder creates p and any missing parents.
func (f *FakeRemote) AddFolder(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addFolderLocked(p)
}

func (f *FakeRemote) addFolderLocked(p string) {
	k := key(p)
	if _, ok := f.children[k]; ok || k == "" {
		return
	}
	parent := path.Dir(p)
	if parent == "/" || parent == "." {
		parent = ""
	}
	f.addFolderLocked(parent)
	f.children[k] = nil
	f.children[key(parent)] = append(f.children[key(parent)], model.RemoteEntry{
		Name:        path.Base(p),
		PathLower:   k,
		PathDisplay: p,
		IsFolder:    true,
	})
}

// AddFile stores data at p, creating parent folders.
func (f *FakeRemote) AddFile(p string, data []byte, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent := path.Dir(p)
	if parent == "/" {
		parent = ""
	}
	f.addFolderLocked(parent)
	k := key(p)
	f.content[k] = data
	f.children[key(parent)] = append(f.children[key(parent)], model.RemoteEntry{
		Name:        path.Base(p),
		PathLower:   k,
		PathDisplay: p,
		Size:        int64(len(data)),
		ModifiedAt:  modified,
	})
}

// RemoveFile deletes the file at p from its parent listing.
func (f *FakeRemote) RemoveFile(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(p)
	delete(f.content, k)
	parent := key(path.Dir(p))
	kids := f.children[parent]
	out := kids[:0]
	for _, c := range kids {
		if c.PathLower != k {
			out = append(out, c)
		}
	}
	f.children[parent] = out
}

// FailListing makes ListFolder(p) return err until cleared with a nil err.
func (f *FakeRemote) FailListing(p string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.listErr, key(p))
		return
	}
	f.listErr[key(p)] = err
}

// FailLink makes TemporaryLink(p) return err.
func (f *FakeRemote) FailLink(p string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkErr[key(p)] = err
}

func (f *FakeRemote) ListFolder(ctx context.Context, p string) ([]model.RemoteEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Listings++
	k := key(p)
	if err := f.listErr[k]; err != nil {
		return nil, err
	}
	kids, ok := f.children[k]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", p, ErrRemoteNotFound)
	}
	return append([]model.RemoteEntry(nil), kids...), nil
}

func (f *FakeRemote) TemporaryLink(ctx context.Context, p string) (model.TemporaryLink, error) {
	if err := ctx.Err(); err != nil {
		return model.TemporaryLink{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Links++
	k := key(p)
	if err := f.linkErr[k]; err != nil {
		return model.TemporaryLink{}, err
	}
	if _, ok := f.content[k]; !ok {
		return model.TemporaryLink{}, fmt.Errorf("link %s: %w", p, ErrRemoteNotFound)
	}
	return model.TemporaryLink{
		URL:       fakeLinkPrefix + k,
		ExpiresAt: f.clock.Now().Add(f.linkTTL),
	}, nil
}

func (f *FakeRemote) Download(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Downloads++
	data, ok := f.content[strings.TrimPrefix(url, fakeLinkPrefix)]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", url, ErrRemoteNotFound)
	}
	return append([]byte(nil), data...), nil
}
