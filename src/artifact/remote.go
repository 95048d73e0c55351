// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"forensicworker/src/model"
)

// Remote streams an artifact over HTTP(S), e.g. from object storage.
type Remote struct {
	ref    string
	url    string
	client *http.Client
}

func NewRemote(ref, rawURL string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{ref: ref, url: rawURL, client: client}
}

func (r *Remote) Ref() string       { return r.ref }
func (r *Remote) IsContainer() bool { return false }

func (r *Remote) Name() string {
	u, err := url.Parse(r.url)
	if err != nil {
		return r.ref
	}
	return path.Base(u.Path)
}

func (r *Remote) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", r.ref, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, model.NotFoundf("artifact %s not found", r.ref)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: unexpected status %d", r.ref, resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *Remote) Members(context.Context) ([]Accessor, error) {
	return nil, ErrNotContainer
}

// LocalPath downloads the artifact into a temporary file.
func (r *Remote) LocalPath(ctx context.Context) (string, func(), error) {
	body, err := r.Open(ctx)
	if err != nil {
		return "", func() {}, err
	}
	defer body.Close()
	return spool("artifact-*", body)
}

// Bytes is an in-memory artifact.
type Bytes struct {
	ref  string
	data []byte
}

func NewBytes(ref string, data []byte) *Bytes {
	return &Bytes{ref: ref, data: data}
}

func (b *Bytes) Ref() string       { return b.ref }
func (b *Bytes) Name() string      { return path.Base(b.ref) }
func (b *Bytes) IsContainer() bool { return false }

func (b *Bytes) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *Bytes) Members(context.Context) ([]Accessor, error) {
	return nil, ErrNotContainer
}

func (b *Bytes) LocalPath(context.Context) (string, func(), error) {
	return spool("artifact-*", bytes.NewReader(b.data))
}

// Container groups accessors into one container artifact.
type Container struct {
	ref     string
	members []Accessor
}

func NewContainer(ref string, members ...Accessor) *Container {
	return &Container{ref: ref, members: members}
}

func (c *Container) Ref() string       { return c.ref }
func (c *Container) Name() string      { return path.Base(c.ref) }
func (c *Container) IsContainer() bool { return true }

func (c *Container) Open(context.Context) (io.ReadCloser, error) {
	return nil, fmt.Errorf("open %s: is a container", c.ref)
}

func (c *Container) Members(context.Context) ([]Accessor, error) {
	return append([]Accessor(nil), c.members...), nil
}

func (c *Container) LocalPath(context.Context) (string, func(), error) {
	return "", func() {}, fmt.Errorf("container %s has no single local path", c.ref)
}
