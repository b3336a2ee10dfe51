package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
domain:
  - public.localhost
router_name: router
routers:
  - router
  - name: priv-router
    domain: private.localhost
    services: [opensrf.settings]
client: false
loglevel: 2
apps:
  opensrf.settings:
    unix_config:
      max_requests: 1000
      min_children: 3
      max_children: 9
      max_backlog_queue: 10
    keepalive: 6
    stateless: false
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "opensrf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadParsesMixedRouterForms(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "public.localhost", cfg.Domain())
	require.Equal(t, "router", cfg.RouterName)
	require.Len(t, cfg.Routers, 2)
	require.Equal(t, "router", cfg.Routers[0].Name)
	require.Equal(t, "priv-router", cfg.Routers[1].Name)
	require.Equal(t, []string{"opensrf.settings"}, cfg.Routers[1].Services)

	app, ok := cfg.Apps["opensrf.settings"]
	require.True(t, ok)
	require.Equal(t, 3, app.UnixConfig.MinChildren)
	require.Equal(t, 9, app.UnixConfig.MaxChildren)
	require.Equal(t, 6, app.Keepalive)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeTempConfig(t, "router_name: r\n")
	_, err := Load(path)
	require.Error(t, err)
}
