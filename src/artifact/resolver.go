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
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"forensicworker/src/model"
)

// Resolver turns a locator into an Accessor.
type Resolver interface {
	Resolve(ref string) (Accessor, error)
}

// DefaultResolver understands http(s) URLs, file:// URLs and plain paths.
// Relative paths are resolved under Root; paths escaping Root, directly or
// through a symlink, are rejected. Remote URLs are only accepted for hosts
// listed in AllowedHosts, so an empty list disables remote artifacts.
type DefaultResolver struct {
	Root         string
	AllowedHosts []string
	Client       *http.Client
}

func (r *DefaultResolver) Resolve(ref string) (Accessor, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.resolveRemote(ref)
	case strings.HasPrefix(ref, "file://"):
		return r.resolveLocal(ref, strings.TrimPrefix(ref, "file://"))
	case strings.Contains(ref, "://"):
		return nil, model.Validationf("unsupported artifact locator %q", ref)
	}
	return r.resolveLocal(ref, ref)
}

func (r *DefaultResolver) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range r.AllowedHosts {
		if strings.ToLower(allowed) == host {
			return true
		}
	}
	return false
}

func (r *DefaultResolver) resolveRemote(ref string) (Accessor, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Hostname() == "" {
		return nil, model.Validationf("malformed artifact URL %q", ref)
	}
	if !r.hostAllowed(u.Hostname()) {
		return nil, model.Validationf("remote artifact host %q is not allowed", u.Hostname())
	}
	client := http.Client{}
	if r.Client != nil {
		client = *r.Client
	}
	// Redirects must stay on allowed hosts as well.
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		if !r.hostAllowed(req.URL.Hostname()) {
			return fmt.Errorf("redirect to host %q is not allowed", req.URL.Hostname())
		}
		return nil
	}
	return NewRemote(ref, ref, &client), nil
}

func (r *DefaultResolver) resolveLocal(ref, p string) (Accessor, error) {
	if p == "" {
		return nil, model.Validationf("empty artifact locator")
	}
	if r.Root != "" {
		absRoot, err := filepath.Abs(r.Root)
		if err != nil {
			return nil, err
		}
		root, err := filepath.EvalSymlinks(absRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve artifact root: %w", err)
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)
		if !within(root, p) && !within(absRoot, p) {
			return nil, model.Validationf("artifact %q is outside the artifact root", ref)
		}
		resolved, err := filepath.EvalSymlinks(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NotFoundf("artifact %s not found", ref)
		}
		if err != nil {
			return nil, err
		}
		if !within(root, resolved) {
			return nil, model.Validationf("artifact %q is outside the artifact root", ref)
		}
		p = resolved
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.NotFoundf("artifact %s not found", ref)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return NewLocalDir(ref, p), nil
	}
	return NewLocalFile(ref, p), nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
