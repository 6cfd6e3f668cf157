// Package snapshot keeps copies of deployed trees so a site can be rolled back.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/deploy/transport"
)

const (
	stampLayout = "20060102_150405"
	partial     = ".partial"
	DefaultKeep = 5
)

var (
	ErrNoSnapshot = errors.New("no snapshot available")
	ErrNotFound   = errors.New("snapshot not found")
)

// Info describes one stored snapshot.
type Info struct {
	Name      string    `json:"name"`
	Site      string    `json:"site"`
	CreatedAt time.Time `json:"createdAt"`
	Path      string    `json:"-"`
}

// Manager stores snapshots as <Dir>/<site>_<YYYYMMDD_HHMMSS>.
type Manager struct {
	Dir      string
	Keep     int
	Excludes []string

	now func() time.Time
}

// NewManager returns a Manager rooted at dir.
func NewManager(dir string, keep int, excludes []string) *Manager {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Manager{Dir: dir, Keep: keep, Excludes: excludes, now: time.Now}
}

func (m *Manager) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

// Create copies src into a new snapshot and prunes the oldest beyond Keep.
func (m *Manager) Create(site, src string) (Info, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("snapshot dir: %w", err)
	}
	created := m.clock()
	name := site + "_" + created.Format(stampLayout)
	for i := 2; exists(filepath.Join(m.Dir, name)); i++ {
		name = site + "_" + created.Format(stampLayout) + "_" + strconv.Itoa(i)
	}
	dst := filepath.Join(m.Dir, name)
	tmp := dst + partial
	_ = os.RemoveAll(tmp)

	ex := transport.NewExcluder(transport.DefaultExcludes, m.Excludes)
	if err := copyTree(src, tmp, ex); err != nil {
		_ = os.RemoveAll(tmp)
		return Info{}, fmt.Errorf("snapshot %s: %w", name, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.RemoveAll(tmp)
		return Info{}, fmt.Errorf("snapshot %s: %w", name, err)
	}
	log.Info().Str("site", site).Str("snapshot", name).Msg("snapshot created")

	if err := m.prune(site); err != nil {
		log.Warn().Err(err).Str("site", site).Msg("snapshot prune failed")
	}
	return Info{Name: name, Site: site, CreatedAt: created, Path: dst}, nil
}

// List returns the site's snapshots, newest first.
func (m *Manager) List(site string) ([]Info, error) {
	entries, err := os.ReadDir(m.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		created, _, ok := parseName(site, e.Name())
		if !ok {
			continue
		}
		out = append(out, Info{Name: e.Name(), Site: site, CreatedAt: created, Path: filepath.Join(m.Dir, e.Name())})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		_, si, _ := parseName(site, out[i].Name)
		_, sj, _ := parseName(site, out[j].Name)
		return si > sj
	})
	return out, nil
}

// Path resolves a named snapshot of site.
func (m *Manager) Path(site, name string) (Info, error) {
	if _, _, ok := parseName(site, name); !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	list, err := m.List(site)
	if err != nil {
		return Info{}, err
	}
	for _, info := range list {
		if info.Name == name {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Previous returns the snapshot taken before the newest one, which is the
// deployment preceding the current.
func (m *Manager) Previous(site string) (Info, error) {
	list, err := m.List(site)
	if err != nil {
		return Info{}, err
	}
	if len(list) < 2 {
		return Info{}, fmt.Errorf("%w for %s", ErrNoSnapshot, site)
	}
	return list[1], nil
}

func (m *Manager) prune(site string) error {
	list, err := m.List(site)
	if err != nil {
		return err
	}
	keep := m.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	for _, old := range list[min(keep, len(list)):] {
		if err := os.RemoveAll(old.Path); err != nil {
			return err
		}
		log.Debug().Str("site", site).Str("snapshot", old.Name).Msg("snapshot pruned")
	}
	return nil
}

// parseName accepts <site>_<stamp> and <site>_<stamp>_<n>.
func parseName(site, name string) (time.Time, int, bool) {
	rest, ok := strings.CutPrefix(name, site+"_")
	if !ok || len(rest) < len(stampLayout) {
		return time.Time{}, 0, false
	}
	created, err := time.ParseInLocation(stampLayout, rest[:len(stampLayout)], time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	suffix := rest[len(stampLayout):]
	if suffix == "" {
		return created, 1, true
	}
	n, err := strconv.Atoi(strings.TrimPrefix(suffix, "_"))
	if !strings.HasPrefix(suffix, "_") || err != nil || n < 2 {
		return time.Time{}, 0, false
	}
	return created, n, true
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

func copyTree(src, dst string, ex transport.Excluder) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel != "." && ex.Match(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(p, target, info)
		}
		return nil
	})
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
