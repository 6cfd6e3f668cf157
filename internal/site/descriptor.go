// Package site loads and validates the fleet's site descriptors.
package site

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Method selects the transport used to mirror a site to its remote host.
type Method string

const (
	MethodFTP Method = "ftp"
	MethodSSH Method = "ssh"
)

const (
	DefaultFTPPort = 21
	DefaultSSHPort = 22
)

// Secret is a credential value given either literally or as an environment
// reference of the form "env:NAME" or "${NAME}".
type Secret string

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Ref returns the referenced environment variable name, if any.
func (s Secret) Ref() (string, bool) {
	v := strings.TrimSpace(string(s))
	switch {
	case strings.HasPrefix(v, "env:"):
		return strings.TrimPrefix(v, "env:"), true
	case strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}"):
		return v[2 : len(v)-1], true
	}
	return "", false
}

func (s Secret) validate() error {
	if name, ok := s.Ref(); ok && !envNamePattern.MatchString(name) {
		return fmt.Errorf("invalid environment reference %q", string(s))
	}
	return nil
}

// Resolve returns the literal value or looks the reference up.
func (s Secret) Resolve(lookup func(string) (string, bool)) (string, error) {
	name, ok := s.Ref()
	if !ok {
		return string(s), nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, found := lookup(name)
	if !found || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

// String never reveals the secret value.
func (s Secret) String() string {
	if name, ok := s.Ref(); ok {
		return "env:" + name
	}
	if s == "" {
		return ""
	}
	return "******"
}

// MarshalText keeps literal secrets out of JSON and YAML output.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RemoteTarget is where a site is mirrored to.
type RemoteTarget struct {
	Host string
	Port int
	User string
	Path string

	// FTP only
	Password Secret

	// SSH only; an empty KeyFile means the SSH agent is used
	KeyFile       string
	KeyPassphrase Secret
	Insecure      bool
}

// Address returns host:port.
func (t RemoteTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Descriptor is the immutable definition of one deployable site.
type Descriptor struct {
	Name      string
	Source    string // origin reference such as "origin/main"; empty uses the upstream
	LocalPath string
	Method    Method
	URL       string
	HealthURL string // probed instead of URL when set
	Remote    RemoteTarget

	BuildCommand   string
	PreDeploy      []string
	PostDeploy     []string
	RestartCommand string
	Excludes       []string
}

// ProbeURL is the address health checks request.
func (d Descriptor) ProbeURL() string {
	if d.HealthURL != "" {
		return d.HealthURL
	}
	return d.URL
}

func (d Descriptor) clone() Descriptor {
	d.PreDeploy = append([]string(nil), d.PreDeploy...)
	d.PostDeploy = append([]string(nil), d.PostDeploy...)
	d.Excludes = append([]string(nil), d.Excludes...)
	return d
}

// Credentials are the resolved secrets for one site's sessions.
type Credentials struct {
	User          string
	Password      string
	KeyFile       string
	KeyPassphrase string
	UseAgent      bool
}

// ResolveCredentials resolves the descriptor's secret references. lookup
// defaults to os.LookupEnv.
func (d Descriptor) ResolveCredentials(lookup func(string) (string, bool)) (Credentials, error) {
	creds := Credentials{User: d.Remote.User}
	switch d.Method {
	case MethodFTP:
		pass, err := d.Remote.Password.Resolve(lookup)
		if err != nil {
			return Credentials{}, fmt.Errorf("ftp_pass: %w", err)
		}
		creds.Password = pass
	case MethodSSH:
		if d.Remote.KeyFile == "" {
			creds.UseAgent = true
			break
		}
		creds.KeyFile = d.Remote.KeyFile
		if d.Remote.KeyPassphrase != "" {
			pass, err := d.Remote.KeyPassphrase.Resolve(lookup)
			if err != nil {
				return Credentials{}, fmt.Errorf("ssh_key_passphrase: %w", err)
			}
			creds.KeyPassphrase = pass
		}
	}
	return creds, nil
}

// HasRemoteShell reports whether remote commands can be run for the site.
func (d Descriptor) HasRemoteShell() bool {
	return d.Method == MethodSSH
}
