package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/inspector/internal/codec"
	"firestige.xyz/inspector/internal/export"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "inspector.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
upstream: "127.0.0.1:25566"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:25565", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, codec.DefaultChunkSize, cfg.Codec.ChunkSize)
	assert.Equal(t, codec.DefaultMaxFrameSize, cfg.Codec.MaxFrameSize)
	assert.Equal(t, codec.CompressionDisabled, cfg.Codec.CompressionThreshold)
	assert.Equal(t, export.FormatText, cfg.Save.Format)
	assert.Equal(t, []string{"KeepAlive"}, cfg.Save.Exclude)
	assert.Equal(t, filepath.Join(dir, "captures"), cfg.Save.Dir)
	assert.Equal(t, 16, cfg.Store.RetainClosed)
	assert.Empty(t, cfg.Viewer.AllowedOrigins)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Len(t, cfg.Logger.Appenders, 1)
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	familiesPath := filepath.Join(dir, "families.yml")
	require.NoError(t, os.WriteFile(familiesPath, []byte(`
families:
  - name: play-serverbound
    packets:
      "0x00": Handshake
`), 0644))

	path := writeConfig(t, dir, `
listen: "0.0.0.0:25565"
upstream: "mc.example.net:25565"
max_connections: 8
dial_timeout: 2s
codec:
  chunk_size: 8192
  compression_threshold: 256
  families_file: `+familiesPath+`
  inbound_family: play-serverbound
  outbound_family: play-clientbound
  families:
    - name: play-clientbound
      allow_unknown: true
      packets:
        "0x1A": KeepAlive
        "38": Chat
clock:
  timezone: Europe/Berlin
store:
  max_packets: 500
save:
  format: pcap
  exclude: []
viewer:
  enabled: true
mirror:
  redis:
    enabled: true
    db: 2
logger:
  level: debug
  appenders:
    - type: file
      options:
        filename: /tmp/inspector.log
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mc.example.net:25565", cfg.Upstream)
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.Equal(t, 8192, cfg.Codec.ChunkSize)
	assert.Equal(t, codec.Options{MaxFrameSize: codec.DefaultMaxFrameSize, Compression: true, CompressionThreshold: 256}, cfg.Codec.Options())
	assert.Equal(t, "Europe/Berlin", cfg.Clock.Timezone)
	assert.Equal(t, 500, cfg.Store.MaxPackets)
	assert.Equal(t, export.FormatPcap, cfg.Save.Format)
	assert.Empty(t, cfg.Save.Exclude)
	assert.True(t, cfg.Viewer.Enabled)
	assert.Equal(t, "127.0.0.1:8081", cfg.Viewer.Listen)
	assert.Equal(t, 2, cfg.Mirror.Redis.DB)
	assert.Equal(t, 1024, cfg.Mirror.Redis.Buffer)
	assert.Equal(t, "debug", cfg.Logger.Level)
	require.Len(t, cfg.Logger.Appenders, 1)
	assert.Equal(t, "/tmp/inspector.log", cfg.Logger.Appenders[0].Options["filename"])

	reg, err := cfg.Codec.Registry()
	require.NoError(t, err)
	in, err := reg.Get(cfg.Codec.InboundFamily)
	require.NoError(t, err)
	assert.Equal(t, "Handshake", in.Label(0x00))
	out, err := reg.Get(cfg.Codec.OutboundFamily)
	require.NoError(t, err)
	assert.Equal(t, "KeepAlive", out.Label(0x1A))
	assert.Equal(t, "Chat", out.Label(38))
}

func TestLoadResolvesPathsAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "families"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "families", "play.yml"), []byte(`
families:
  - name: play-serverbound
    packets:
      "0x00": Handshake
`), 0644))
	abs := filepath.Join(t.TempDir(), "saves")

	path := writeConfig(t, dir, `
upstream: "127.0.0.1:25566"
pid_file: run/inspector.pid
codec:
  families_file: families/play.yml
  inbound_family: play-serverbound
save:
  dir: `+abs+`
viewer:
  allowed_origins: ["http://localhost:3000"]
`)
	// the working directory is the package directory, not dir
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "families", "play.yml"), cfg.Codec.FamiliesFile)
	assert.Equal(t, filepath.Join(dir, "run", "inspector.pid"), cfg.PIDFile)
	assert.Equal(t, abs, cfg.Save.Dir)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Viewer.AllowedOrigins)

	reg, err := cfg.Codec.Registry()
	require.NoError(t, err)
	f, err := reg.Get("play-serverbound")
	require.NoError(t, err)
	assert.Equal(t, "Handshake", f.Label(0x00))
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
listen: "127.0.0.1:1000"
upstream: "127.0.0.1:2000"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INSPECTOR_SAVE_FORMAT=badger\n"), 0644))
	t.Setenv("INSPECTOR_LISTEN", "127.0.0.1:3000")
	t.Cleanup(func() { os.Unsetenv("INSPECTOR_SAVE_FORMAT") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", cfg.Listen)
	assert.Equal(t, export.FormatBadger, cfg.Save.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no upstream", `listen: "127.0.0.1:1"`, "upstream is required"},
		{"bad upstream", `upstream: "nohost"`, "invalid upstream address"},
		{"bad format", "upstream: \"127.0.0.1:1\"\nsave:\n  format: csv", "invalid save.format"},
		{"negative window", "upstream: \"127.0.0.1:1\"\nstore:\n  max_packets: -1", "max_packets"},
		{"negative retain", "upstream: \"127.0.0.1:1\"\nstore:\n  retain_closed: -1", "retain_closed"},
		{"unknown family", "upstream: \"127.0.0.1:1\"\ncodec:\n  inbound_family: nope", "nope"},
		{"bad packet id", "upstream: \"127.0.0.1:1\"\ncodec:\n  families:\n    - name: x\n      packets:\n        zz: Foo", "zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
