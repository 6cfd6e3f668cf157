package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/site"
)

// ftpConn is the subset of *ftp.ServerConn the mirror needs.
type ftpConn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	CurrentDir() (string, error)
	List(path string) ([]*ftp.Entry, error)
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Delete(path string) error
	RemoveDir(path string) error
	IsTimePreciseInList() bool
	IsGetTimeSupported() bool
	IsSetTimeSupported() bool
	GetTime(path string) (time.Time, error)
	SetTime(path string, t time.Time) error
	Quit() error
}

type ftpDialer func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error)

// dialFTP opens a session whose control and data connections are closed
// once ctx is done. jlaffaye/ftp only honors a context while dialing.
func dialFTP(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	b := &boundConn{conns: map[*trackedConn]struct{}{}}
	b.stop = context.AfterFunc(ctx, b.closeAll)
	d := &net.Dialer{Timeout: timeout}
	sc, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithDialFunc(func(network, address string) (net.Conn, error) {
		return b.dial(ctx, d, network, address)
	}))
	if err != nil {
		b.stop()
		return nil, err
	}
	b.ServerConn = sc
	return b, nil
}

type boundConn struct {
	*ftp.ServerConn
	stop func() bool

	mu     sync.Mutex
	conns  map[*trackedConn]struct{}
	closed bool
}

func (b *boundConn) dial(ctx context.Context, d *net.Dialer, network, address string) (net.Conn, error) {
	c, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		c.Close()
		return nil, net.ErrClosed
	}
	tc := &trackedConn{Conn: c, owner: b}
	b.conns[tc] = struct{}{}
	return tc, nil
}

func (b *boundConn) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for c := range b.conns {
		c.Conn.Close()
	}
}

func (b *boundConn) forget(c *trackedConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

func (b *boundConn) Quit() error {
	err := b.ServerConn.Quit()
	b.stop()
	return err
}

type trackedConn struct {
	net.Conn
	owner *boundConn
}

func (c *trackedConn) Close() error {
	c.owner.forget(c)
	return c.Conn.Close()
}

// FTP mirrors over plain FTP, like `lftp mirror --reverse --delete`.
type FTP struct {
	opts Options
	dial ftpDialer
}

// NewFTP returns the FTP transport.
func NewFTP(opts Options) *FTP {
	return &FTP{opts: opts.withDefaults(), dial: dialFTP}
}

func (t *FTP) Method() site.Method { return site.MethodFTP }

type localEntry struct {
	dir     bool
	size    int64
	modTime time.Time
	abs     string
}

type remoteEntry struct {
	dir     bool
	size    uint64
	modTime time.Time
}

func (t *FTP) Sync(ctx context.Context, localPath string, target site.RemoteTarget, creds site.Credentials, excludes []string) (*model.TransportResult, error) {
	ex := NewExcluder(DefaultExcludes, t.opts.Excludes, excludes)
	local, err := scanLocal(localPath, ex)
	if err != nil {
		return nil, err
	}
	if t.opts.DryRun {
		log.Info().Str("host", target.Host).Str("remote_path", target.Path).Int("local_entries", len(local)).Msg("dry-run: skipping ftp mirror")
		return &model.TransportResult{DryRun: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, failed(ctx, model.ReasonCancelled, "connect "+target.Address(), err, false)
	}

	conn, err := t.dial(ctx, target.Address(), t.opts.DialTimeout)
	if err != nil {
		return nil, failed(ctx, model.ReasonNetworkUnreachable, "dial "+target.Address(), err, false)
	}
	defer func() {
		if qerr := conn.Quit(); qerr != nil {
			log.Debug().Err(qerr).Str("host", target.Host).Msg("ftp quit failed")
		}
	}()

	if err := conn.Login(creds.User, creds.Password); err != nil {
		return nil, failed(ctx, classifyFTP(err, model.ReasonAuthFailure), "login", err, false)
	}
	root, err := changeRoot(conn, target.Path)
	if err != nil {
		return nil, failed(ctx, classifyFTP(err, model.ReasonRemotePathInvalid), "cwd "+target.Path, err, false)
	}

	remote := map[string]remoteEntry{}
	if err := listRemote(conn, root, "", ex, remote); err != nil {
		return nil, failed(ctx, classifyFTP(err, model.ReasonRemotePathInvalid), "list "+root, err, false)
	}

	m := &mirror{ctx: ctx, conn: conn, root: root, times: timeModeOf(conn), result: &model.TransportResult{}}
	if err := m.apply(local, remote); err != nil {
		return m.result, err
	}
	return m.result, nil
}

// changeRoot enters the remote path and returns it as an absolute path.
// Relative paths resolve against the login directory, as lftp does.
func changeRoot(conn ftpConn, remotePath string) (string, error) {
	p := path.Clean(filepath.ToSlash(strings.TrimSpace(remotePath)))
	if err := conn.ChangeDir(p); err != nil {
		return "", err
	}
	if path.IsAbs(p) {
		return p, nil
	}
	pwd, err := conn.CurrentDir()
	if err != nil {
		return "", err
	}
	if !path.IsAbs(pwd) {
		return "", fmt.Errorf("unexpected working directory %q", pwd)
	}
	return path.Clean(pwd), nil
}

// timeMode says how remote modification times can be trusted.
type timeMode int

const (
	// timesSizeOnly: uploads cannot be stamped, only sizes are compared.
	timesSizeOnly timeMode = iota
	// timesList: MLSD listings carry exact UTC times.
	timesList
	// timesMDTM: LIST times are unreliable, each candidate is asked via MDTM.
	timesMDTM
)

func timeModeOf(conn ftpConn) timeMode {
	switch {
	case !conn.IsSetTimeSupported():
		return timesSizeOnly
	case conn.IsTimePreciseInList():
		return timesList
	case conn.IsGetTimeSupported():
		return timesMDTM
	}
	return timesSizeOnly
}

// failed builds the transport error for op. Once ctx is done the connections
// are torn down, so its state decides the reason rather than the reply.
func failed(ctx context.Context, reason model.Reason, op string, err error, mutated bool) *Error {
	cause := ctx.Err()
	if cause == nil {
		return newError(reason, op, err)
	}
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		reason = model.ReasonTimeout
	case mutated:
		reason = model.ReasonPartialTransfer
	default:
		reason = model.ReasonCancelled
	}
	if err != nil && !errors.Is(err, cause) {
		cause = errors.Join(cause, err)
	}
	return newError(reason, op, cause)
}

func scanLocal(root string, ex Excluder) (map[string]localEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("local path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local path %s is not a directory", root)
	}
	out := map[string]localEntry{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if ex.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := os.Stat(p) // follows symlinks
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 && fi.IsDir() {
			// linked directories are not descended into
			return nil
		}
		out[rel] = localEntry{dir: fi.IsDir(), size: fi.Size(), modTime: fi.ModTime(), abs: p}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return out, nil
}

func listRemote(conn ftpConn, root, rel string, ex Excluder, out map[string]remoteEntry) error {
	entries, err := conn.List(path.Join(root, rel))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		child := path.Join(rel, e.Name)
		if ex.Match(child) {
			continue
		}
		switch e.Type {
		case ftp.EntryTypeFolder:
			out[child] = remoteEntry{dir: true, modTime: e.Time}
			if err := listRemote(conn, root, child, ex, out); err != nil {
				return err
			}
		default:
			out[child] = remoteEntry{size: e.Size, modTime: e.Time}
		}
	}
	return nil
}

type mirror struct {
	ctx     context.Context
	conn    ftpConn
	root    string
	times   timeMode
	result  *model.TransportResult
	mutated bool
}

func (m *mirror) remote(rel string) string { return path.Join(m.root, rel) }

func (m *mirror) fail(op string, err error) error {
	reason := model.ReasonPartialTransfer
	if !m.mutated {
		reason = classifyFTP(err, model.ReasonPartialTransfer)
	}
	return failed(m.ctx, reason, op, err, m.mutated)
}

func (m *mirror) checkCtx() error {
	if err := m.ctx.Err(); err != nil {
		return failed(m.ctx, model.ReasonPartialTransfer, "mirror interrupted", err, m.mutated)
	}
	return nil
}

func (m *mirror) apply(local map[string]localEntry, remote map[string]remoteEntry) error {
	names := make([]string, 0, len(local))
	for rel := range local {
		names = append(names, rel)
	}
	sort.Strings(names) // parents before children

	for _, rel := range names {
		if err := m.checkCtx(); err != nil {
			return err
		}
		le := local[rel]
		re, exists := remote[rel]
		if exists && re.dir != le.dir {
			if err := m.removeRemote(rel, re, remote); err != nil {
				return err
			}
			exists = false
		}
		if le.dir {
			if exists {
				continue
			}
			if err := m.conn.MakeDir(m.remote(rel)); err != nil {
				return m.fail("mkdir "+rel, err)
			}
			m.mutated = true
			continue
		}
		if exists && m.unchanged(rel, le, re) {
			m.result.Unchanged++
			continue
		}
		if err := m.upload(rel, le); err != nil {
			return err
		}
	}

	// remote leftovers, deepest first so directories are empty when removed
	var stale []string
	for rel := range remote {
		if _, ok := local[rel]; !ok {
			stale = append(stale, rel)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		di, dj := strings.Count(stale[i], "/"), strings.Count(stale[j], "/")
		if di != dj {
			return di > dj
		}
		return stale[i] > stale[j]
	})
	for _, rel := range stale {
		if err := m.checkCtx(); err != nil {
			return err
		}
		re := remote[rel]
		if re.dir {
			if err := m.conn.RemoveDir(m.remote(rel)); err != nil {
				return m.fail("rmdir "+rel, err)
			}
		} else {
			if err := m.conn.Delete(m.remote(rel)); err != nil {
				return m.fail("delete "+rel, err)
			}
			m.result.Deleted++
		}
		m.mutated = true
	}
	return nil
}

// removeRemote clears a remote entry whose type differs from the local one.
func (m *mirror) removeRemote(rel string, re remoteEntry, remote map[string]remoteEntry) error {
	if !re.dir {
		if err := m.conn.Delete(m.remote(rel)); err != nil {
			return m.fail("delete "+rel, err)
		}
		m.result.Deleted++
		m.mutated = true
		delete(remote, rel)
		return nil
	}
	var children []string
	for child := range remote {
		if strings.HasPrefix(child, rel+"/") {
			children = append(children, child)
		}
	}
	sort.Slice(children, func(i, j int) bool { return len(children[i]) > len(children[j]) })
	for _, child := range children {
		ce := remote[child]
		if err := m.removeRemote(child, ce, remote); err != nil {
			return err
		}
	}
	if err := m.conn.RemoveDir(m.remote(rel)); err != nil {
		return m.fail("rmdir "+rel, err)
	}
	m.mutated = true
	delete(remote, rel)
	return nil
}

func (m *mirror) upload(rel string, le localEntry) error {
	f, err := os.Open(le.abs)
	if err != nil {
		return m.fail("open "+rel, err)
	}
	defer f.Close()
	if err := m.conn.Stor(m.remote(rel), f); err != nil {
		return m.fail("stor "+rel, err)
	}
	m.mutated = true
	m.result.Uploaded++
	if m.times != timesSizeOnly {
		if err := m.conn.SetTime(m.remote(rel), le.modTime); err != nil {
			log.Debug().Err(err).Str("path", rel).Msg("ftp set mtime failed")
		}
	}
	return nil
}

// unchanged reports whether the remote file already matches the local one.
// Uploads are stamped with the local mtime, so times must agree to the
// second; servers that cannot stamp files fall back to comparing sizes.
func (m *mirror) unchanged(rel string, le localEntry, re remoteEntry) bool {
	if uint64(le.size) != re.size {
		return false
	}
	switch m.times {
	case timesList:
		return sameSecond(le.modTime, re.modTime)
	case timesMDTM:
		t, err := m.conn.GetTime(m.remote(rel))
		if err != nil {
			return false
		}
		return sameSecond(le.modTime, t)
	}
	return true
}

func sameSecond(a, b time.Time) bool {
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

// classifyFTP maps protocol replies onto transport reasons; fallback is used
// for replies that carry no better signal.
func classifyFTP(err error, fallback model.Reason) model.Reason {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code == ftp.StatusNotLoggedIn || protoErr.Code == ftp.StatusUserOK:
			return model.ReasonAuthFailure
		case protoErr.Code == ftp.StatusFileUnavailable:
			if fallback == model.ReasonAuthFailure {
				return fallback
			}
			return model.ReasonRemotePathInvalid
		case protoErr.Code >= 400 && protoErr.Code < 500:
			return model.ReasonPartialTransfer
		}
		return fallback
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return model.ReasonNetworkUnreachable
	}
	return fallback
}
