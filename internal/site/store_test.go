package site

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFleet = `
sites:
  - name: alpha
    local_path: /srv/alpha
    url: https://alpha.example.com
    method: ftp
    ftp_host: ftp.example.com
    ftp_user: alpha
    ftp_pass: env:ALPHA_FTP_PASS
    remote_path: /public_html
  - name: beta
    local_path: /srv/beta
    url: https://beta.example.com/health
    method: ssh
    ssh_host: beta.example.com
    ssh_user: deploy
    ssh_port: 2222
    remote_path: /var/www/beta
    restart_command: sudo systemctl reload beta
    post_deploy: ["php artisan migrate --force"]
  - name: gamma
    local_path: /srv/gamma
    health_check_url: http://gamma.example.com
    ftp_host: ftp.gamma.example.com
    ftp_user: gamma
    ftp_pass: "${GAMMA_PASS}"
    remote_path: /
`

func TestParse_PreservesOrder(t *testing.T) {
	ds, err := Parse(strings.NewReader(validFleet))
	require.NoError(t, err)
	require.Len(t, ds, 3)

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, []string{ds[0].Name, ds[1].Name, ds[2].Name})

	assert.Equal(t, MethodFTP, ds[0].Method)
	assert.Equal(t, 21, ds[0].Remote.Port)

	assert.Equal(t, MethodSSH, ds[1].Method)
	assert.Equal(t, "beta.example.com:2222", ds[1].Remote.Address())
	assert.Equal(t, []string{"php artisan migrate --force"}, ds[1].PostDeploy)

	// method defaults to ftp, health_check_url is an alias of url
	assert.Equal(t, MethodFTP, ds[2].Method)
	assert.Equal(t, "http://gamma.example.com", ds[2].URL)
}

func TestParse_BareListAndJSON(t *testing.T) {
	js := `[{"name":"one","local_path":"/a","url":"https://one.test","method":"ssh",
	         "ssh_host":"h","ssh_user":"u","remote_path":"/r"}]`
	ds, err := Parse(strings.NewReader(js))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "one", ds[0].Name)
}

func TestParse_DuplicateNameLoadsNothing(t *testing.T) {
	doc := validFleet + `
  - name: alpha
    local_path: /srv/alpha2
    url: https://alpha2.example.com
    ftp_host: h
    ftp_user: u
    ftp_pass: p
    remote_path: /
`
	ds, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Empty(t, ds)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Len(t, cfgErr.Problems, 1)
	assert.Equal(t, "name", cfgErr.Problems[0].Field)
	assert.Equal(t, 3, cfgErr.Problems[0].Index)
	assert.Contains(t, err.Error(), "duplicates record 1")
}

func TestParse_ValidationIsExhaustive(t *testing.T) {
	doc := `
sites:
  - name: noftp
    local_path: /a
    url: https://a.test
    method: ftp
    remote_path: /
  - name: nossh
    local_path: /b
    url: ftp://not-http
    method: ssh
    remote_path: /
  - name: weird
    local_path: /c
    url: https://c.test
    method: carrier-pigeon
    remote_path: /
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))

	fields := map[string]bool{}
	for _, p := range cfgErr.Problems {
		fields[p.Site+"."+p.Field] = true
	}
	for _, want := range []string{
		"noftp.ftp_host", "noftp.ftp_user", "noftp.ftp_pass",
		"nossh.ssh_host", "nossh.ssh_user", "nossh.url",
		"weird.method",
	} {
		assert.True(t, fields[want], "missing problem %s in %v", want, cfgErr.Problems)
	}
}

func TestParse_RestartRequiresSSH(t *testing.T) {
	doc := `
- name: a
  local_path: /a
  url: https://a.test
  ftp_host: h
  ftp_user: u
  ftp_pass: p
  remote_path: /
  restart_command: systemctl restart a
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart_command")
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not yaml", "sites: [unclosed"},
		{"no sites key", "servers: []"},
		{"sites not list", "sites: hello"},
		{"record not mapping", "sites: [\"just a string\"]"},
		{"wrong field type", "sites:\n  - name: a\n    ftp_port: abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Nil(t, ds)
			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestParse_InvalidSecretReference(t *testing.T) {
	doc := `
- name: a
  local_path: /a
  url: https://a.test
  ftp_host: h
  ftp_user: u
  ftp_pass: "env:1-bad"
  remote_path: /
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid environment reference")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStore_FindAndReplace(t *testing.T) {
	ds, err := Parse(strings.NewReader(validFleet))
	require.NoError(t, err)
	store := NewStore(ds)

	d, err := store.Find("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", d.Name)

	_, err = store.Find("ghost")
	assert.True(t, errors.Is(err, ErrNotFound))

	// mutating a returned copy never leaks into the store
	d.PostDeploy[0] = "rm -rf /"
	again, _ := store.Find("beta")
	assert.Equal(t, "php artisan migrate --force", again.PostDeploy[0])

	store.Replace(ds[:1])
	assert.Equal(t, []string{"alpha"}, store.Names())
	_, err = store.Find("beta")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ReloadKeepsOldSetOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFleet), 0o644))

	store, err := OpenStore(path)
	require.NoError(t, err)
	require.Equal(t, 3, store.Len())

	require.NoError(t, os.WriteFile(path, []byte("sites: [{name: broken}]"), 0o644))
	require.Error(t, store.ReloadFile(path))
	assert.Equal(t, 3, store.Len())
}

func TestResolveCredentials(t *testing.T) {
	ds, err := Parse(strings.NewReader(validFleet))
	require.NoError(t, err)

	env := map[string]string{"ALPHA_FTP_PASS": "s3cret"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	creds, err := ds[0].ResolveCredentials(lookup)
	require.NoError(t, err)
	assert.Equal(t, "alpha", creds.User)
	assert.Equal(t, "s3cret", creds.Password)

	creds, err = ds[1].ResolveCredentials(lookup)
	require.NoError(t, err)
	assert.True(t, creds.UseAgent)

	_, err = ds[2].ResolveCredentials(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GAMMA_PASS")
}

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "env:X", Secret("${X}").String())
	assert.Equal(t, "******", Secret("plain").String())
	assert.Equal(t, "", Secret("").String())
}

func TestParse_HealthCheckURL(t *testing.T) {
	ds, err := Parse(strings.NewReader(`
sites:
  - name: shop
    local_path: /srv/shop
    url: https://shop.example.com
    health_check_url: https://shop.example.com/healthz
    ftp_host: ftp.example.com
    ftp_user: shop
    ftp_pass: secret
    remote_path: /public_html
`))
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", ds[0].URL)
	assert.Equal(t, "https://shop.example.com/healthz", ds[0].ProbeURL())

	_, err = Parse(strings.NewReader(`
sites:
  - name: shop
    local_path: /srv/shop
    url: https://shop.example.com
    health_check_url: healthz
    ftp_host: ftp.example.com
    ftp_user: shop
    ftp_pass: secret
    remote_path: /public_html
`))
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, err.Error(), "health_check_url")
}

func TestSecret_JSONIsMasked(t *testing.T) {
	b, err := json.Marshal(RemoteTarget{Host: "h", Password: "hunter2"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
	assert.Contains(t, string(b), `"Password":"******"`)
}
