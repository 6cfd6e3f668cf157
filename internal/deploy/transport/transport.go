// Package transport mirrors a local directory onto a site's remote host.
package transport

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/qiniu/sitedeploy/internal/deploy/command"
	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/site"
)

// DefaultExcludes are never transferred and never deleted remotely.
var DefaultExcludes = []string{".git", "node_modules", "__pycache__", "*.log"}

// Transport makes the remote tree match the local one, deletions included.
// Running Sync twice over identical local state changes nothing the second time.
type Transport interface {
	Method() site.Method
	Sync(ctx context.Context, localPath string, target site.RemoteTarget, creds site.Credentials, excludes []string) (*model.TransportResult, error)
}

// Options configure every transport variant.
type Options struct {
	Runner      command.Runner // rsync invocations
	Excludes    []string       // added to DefaultExcludes
	DialTimeout time.Duration
	DryRun      bool
}

func (o Options) withDefaults() Options {
	if o.Runner == nil {
		o.Runner = command.ExecRunner{}
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	return o
}

// New returns the transport for method.
func New(method site.Method, opts Options) (Transport, error) {
	opts = opts.withDefaults()
	switch method {
	case site.MethodFTP:
		return NewFTP(opts), nil
	case site.MethodSSH:
		return NewRsync(opts), nil
	}
	return nil, fmt.Errorf("no transport for deploy method %q", method)
}

// Error is a failed or incomplete mirror run.
type Error struct {
	Reason model.Reason // one of the transport reasons
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Reason, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(reason model.Reason, op string, err error) *Error {
	return &Error{Reason: reason, Op: op, Err: err}
}

// Excluder matches slash separated relative paths against exclusion patterns.
// A pattern matches when it matches any single path element or the whole path.
type Excluder []string

func NewExcluder(sets ...[]string) Excluder {
	var out Excluder
	seen := map[string]bool{}
	for _, set := range sets {
		for _, p := range set {
			p = strings.Trim(strings.TrimSpace(filepath.ToSlash(p)), "/")
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (x Excluder) Match(rel string) bool {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}
	for _, p := range x {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		for _, elem := range strings.Split(rel, "/") {
			if ok, _ := path.Match(p, elem); ok {
				return true
			}
		}
	}
	return false
}
