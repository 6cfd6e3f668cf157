package site

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// record is the on-disk shape of one site. Aliases keep older config files
// loadable.
type record struct {
	Name           string `yaml:"name"`
	LocalPath      string `yaml:"local_path"`
	Source         string `yaml:"source"`
	Method         string `yaml:"method"`
	DeployMethod   string `yaml:"deploy_method"`
	URL            string `yaml:"url"`
	HealthCheckURL string `yaml:"health_check_url"`
	RemotePath     string `yaml:"remote_path"`

	FTPHost string `yaml:"ftp_host"`
	FTPUser string `yaml:"ftp_user"`
	FTPPass string `yaml:"ftp_pass"`
	FTPPort int    `yaml:"ftp_port"`

	SSHHost          string `yaml:"ssh_host"`
	SSHUser          string `yaml:"ssh_user"`
	SSHPort          int    `yaml:"ssh_port"`
	SSHKey           string `yaml:"ssh_key"`
	SSHKeyPassphrase string `yaml:"ssh_key_passphrase"`
	SSHInsecure      bool   `yaml:"ssh_insecure"`

	BuildCommand   string   `yaml:"build_command"`
	PreDeploy      []string `yaml:"pre_deploy"`
	PostDeploy     []string `yaml:"post_deploy"`
	RestartCommand string   `yaml:"restart_command"`
	Exclude        []string `yaml:"exclude"`
}

// LoadFile reads and validates the descriptor file at path.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	return parse(path, data)
}

// Parse reads and validates descriptors from r. Either a mapping with a
// "sites" list or a bare list is accepted; JSON input works as well.
func Parse(r io.Reader) ([]Descriptor, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return parse("", data)
}

func parse(source string, data []byte) ([]Descriptor, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{Source: source, Problems: []Problem{{Index: -1, Msg: "document is empty"}}}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}
	items, problem := siteNodes(&doc)
	if problem != nil {
		return nil, &ConfigError{Source: source, Problems: []Problem{*problem}}
	}

	var problems []Problem
	out := make([]Descriptor, 0, len(items))
	seen := make(map[string]int, len(items))
	for i, item := range items {
		if item.Kind != yaml.MappingNode {
			problems = append(problems, Problem{Index: i, Msg: "record is not a mapping"})
			continue
		}
		var rec record
		if err := item.Decode(&rec); err != nil {
			problems = append(problems, Problem{Index: i, Msg: "unparsable record: " + err.Error()})
			continue
		}
		d, ps := buildDescriptor(i, rec)
		problems = append(problems, ps...)
		if d.Name != "" {
			if first, dup := seen[d.Name]; dup {
				problems = append(problems, Problem{Index: i, Site: d.Name, Field: "name",
					Msg: fmt.Sprintf("duplicates record %d", first+1)})
			} else {
				seen[d.Name] = i
			}
		}
		out = append(out, d)
	}
	if len(problems) > 0 {
		return nil, &ConfigError{Source: source, Problems: problems}
	}
	return out, nil
}

func siteNodes(doc *yaml.Node) ([]*yaml.Node, *Problem) {
	root := doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, &Problem{Index: -1, Msg: "document is empty"}
		}
		root = root.Content[0]
	}
	switch root.Kind {
	case yaml.SequenceNode:
		return root.Content, nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(root.Content); i += 2 {
			if root.Content[i].Value != "sites" {
				continue
			}
			v := root.Content[i+1]
			if v.Kind != yaml.SequenceNode {
				return nil, &Problem{Index: -1, Field: "sites", Msg: "must be a list"}
			}
			return v.Content, nil
		}
		return nil, &Problem{Index: -1, Field: "sites", Msg: "is missing"}
	}
	return nil, &Problem{Index: -1, Msg: "expected a list of sites"}
}

func buildDescriptor(idx int, rec record) (Descriptor, []Problem) {
	name := strings.TrimSpace(rec.Name)
	var problems []Problem
	bad := func(field, msg string) {
		problems = append(problems, Problem{Index: idx, Site: name, Field: field, Msg: msg})
	}

	d := Descriptor{
		Name:           name,
		Source:         strings.TrimSpace(rec.Source),
		LocalPath:      strings.TrimSpace(rec.LocalPath),
		URL:            firstNonEmpty(rec.URL, rec.HealthCheckURL),
		HealthURL:      strings.TrimSpace(rec.HealthCheckURL),
		BuildCommand:   strings.TrimSpace(rec.BuildCommand),
		PreDeploy:      nonEmpty(rec.PreDeploy),
		PostDeploy:     nonEmpty(rec.PostDeploy),
		RestartCommand: strings.TrimSpace(rec.RestartCommand),
		Excludes:       nonEmpty(rec.Exclude),
	}

	if name == "" {
		bad("name", "is required")
	}
	if d.LocalPath == "" {
		bad("local_path", "is required")
	}
	if d.URL == "" {
		bad("url", "is required")
	} else if u, err := url.Parse(d.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("url", "must be an absolute http(s) URL")
	}
	if d.HealthURL != "" {
		if u, err := url.Parse(d.HealthURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("health_check_url", "must be an absolute http(s) URL")
		}
	}

	method := strings.ToLower(firstNonEmpty(rec.Method, rec.DeployMethod))
	if method == "" {
		method = string(MethodFTP)
	}
	d.Method = Method(method)
	d.Remote.Path = strings.TrimSpace(rec.RemotePath)

	switch d.Method {
	case MethodFTP:
		d.Remote.Host = strings.TrimSpace(rec.FTPHost)
		d.Remote.User = strings.TrimSpace(rec.FTPUser)
		d.Remote.Password = Secret(rec.FTPPass)
		d.Remote.Port = rec.FTPPort
		if d.Remote.Port == 0 {
			d.Remote.Port = DefaultFTPPort
		}
		if d.Remote.Host == "" {
			bad("ftp_host", "is required for method ftp")
		}
		if d.Remote.User == "" {
			bad("ftp_user", "is required for method ftp")
		}
		if d.Remote.Password == "" {
			bad("ftp_pass", "is required for method ftp")
		} else if err := d.Remote.Password.validate(); err != nil {
			bad("ftp_pass", err.Error())
		}
		if len(d.PostDeploy) > 0 {
			bad("post_deploy", "requires method ssh")
		}
		if d.RestartCommand != "" {
			bad("restart_command", "requires method ssh")
		}
	case MethodSSH:
		d.Remote.Host = strings.TrimSpace(rec.SSHHost)
		d.Remote.User = strings.TrimSpace(rec.SSHUser)
		d.Remote.Port = rec.SSHPort
		if d.Remote.Port == 0 {
			d.Remote.Port = DefaultSSHPort
		}
		d.Remote.KeyFile = strings.TrimSpace(rec.SSHKey)
		d.Remote.KeyPassphrase = Secret(rec.SSHKeyPassphrase)
		d.Remote.Insecure = rec.SSHInsecure
		if d.Remote.Host == "" {
			bad("ssh_host", "is required for method ssh")
		}
		if d.Remote.User == "" {
			bad("ssh_user", "is required for method ssh")
		}
		if err := d.Remote.KeyPassphrase.validate(); err != nil {
			bad("ssh_key_passphrase", err.Error())
		}
	default:
		bad("method", fmt.Sprintf("unknown deploy method %q", method))
	}

	if d.Remote.Path == "" {
		bad("remote_path", "is required")
	}
	if d.Remote.Port < 1 || d.Remote.Port > 65535 {
		bad("port", fmt.Sprintf("%d is out of range", d.Remote.Port))
	}
	return d, problems
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type snapshot struct {
	sites []Descriptor
	index map[string]int
}

// Store holds the current descriptor set. Readers always see one complete set;
// Replace swaps it atomically.
type Store struct {
	cur atomic.Pointer[snapshot]
}

// NewStore builds a store over ds. Callers are expected to pass validated
// descriptors, as returned by LoadFile or Parse.
func NewStore(ds []Descriptor) *Store {
	s := &Store{}
	s.Replace(ds)
	return s
}

// OpenStore loads path into a new store.
func OpenStore(path string) (*Store, error) {
	ds, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewStore(ds), nil
}

// Replace installs ds as the current set.
func (s *Store) Replace(ds []Descriptor) {
	snap := &snapshot{
		sites: make([]Descriptor, len(ds)),
		index: make(map[string]int, len(ds)),
	}
	for i, d := range ds {
		snap.sites[i] = d.clone()
		snap.index[d.Name] = i
	}
	s.cur.Store(snap)
}

// ReloadFile parses path and replaces the set only if the whole file is valid.
func (s *Store) ReloadFile(path string) error {
	ds, err := LoadFile(path)
	if err != nil {
		return err
	}
	s.Replace(ds)
	return nil
}

// Sites returns the descriptors in load order.
func (s *Store) Sites() []Descriptor {
	snap := s.cur.Load()
	out := make([]Descriptor, len(snap.sites))
	for i, d := range snap.sites {
		out[i] = d.clone()
	}
	return out
}

// Names returns site names in load order.
func (s *Store) Names() []string {
	snap := s.cur.Load()
	out := make([]string, len(snap.sites))
	for i, d := range snap.sites {
		out[i] = d.Name
	}
	return out
}

// Find returns the named descriptor or an error wrapping ErrNotFound.
func (s *Store) Find(name string) (Descriptor, error) {
	snap := s.cur.Load()
	i, ok := snap.index[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return snap.sites[i].clone(), nil
}

// Len returns the number of sites.
func (s *Store) Len() int { return len(s.cur.Load().sites) }

// Find looks name up in ds.
func Find(ds []Descriptor, name string) (Descriptor, error) {
	for _, d := range ds {
		if d.Name == name {
			return d.clone(), nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}
