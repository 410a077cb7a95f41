package repository

import (
	"context"
	"io"
	"sync"
	"time"
)

// Metadata is what a probe learns about a remote file.
type Metadata struct {
	Exists        bool
	ContentLength int64
	LastModified  time.Time
}

type prober interface {
	Probe(ctx context.Context, source string) (Metadata, error)
	OpenStream(ctx context.Context, source string) (io.ReadCloser, error)
}

// Resource is a handle to a remote file. Unless built resolved, it probes the
// repository on first access and remembers the answer for its lifetime.
type Resource struct {
	repo prober
	name string

	once sync.Once
	meta Metadata
	err  error
}

func newResource(repo prober, name string) *Resource {
	return &Resource{repo: repo, name: name}
}

func newResolvedResource(repo prober, name string, meta Metadata) *Resource {
	r := &Resource{repo: repo, name: name, meta: meta}
	r.once.Do(func() {})
	return r
}

func (r *Resource) Name() string {
	return r.name
}

// Metadata resolves the resource if needed.
func (r *Resource) Metadata(ctx context.Context) (Metadata, error) {
	r.once.Do(func() {
		r.meta, r.err = r.repo.Probe(ctx, r.name)
	})
	return r.meta, r.err
}

func (r *Resource) Exists(ctx context.Context) (bool, error) {
	m, err := r.Metadata(ctx)
	return m.Exists, err
}

func (r *Resource) ContentLength(ctx context.Context) (int64, error) {
	m, err := r.Metadata(ctx)
	return m.ContentLength, err
}

func (r *Resource) LastModified(ctx context.Context) (time.Time, error) {
	m, err := r.Metadata(ctx)
	return m.LastModified, err
}

// Clone returns an unresolved handle for another name in the same repository.
func (r *Resource) Clone(name string) *Resource {
	return newResource(r.repo, name)
}

func (r *Resource) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	return r.repo.OpenStream(ctx, r.name)
}

func (r *Resource) String() string {
	return r.name
}
