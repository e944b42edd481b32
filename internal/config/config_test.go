package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissa/internal/errs"
	"kissa/internal/gate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Scan.MaxDepth)
	assert.Equal(t, 500, cfg.Scan.Boundaries.StatTimeoutMS)
	assert.Equal(t, "commit", cfg.Defaults.Difficulty)
	assert.Equal(t, "readonly", cfg.Defaults.MCP.Difficulty)
	assert.Equal(t, 50, cfg.Safety.MaxPlanSize)
	assert.Contains(t, cfg.Safety.ProtectedBranches, "release/*")
	assert.False(t, cfg.Scan.Boundaries.CrossMounts)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[scan]
roots = ["/srv/repos"]
max_depth = 3

[identity]
usernames = ["aaron"]
community_orgs = ["neovim"]

[identity.work_orgs]
initech = ["initech", "initech-labs"]

[defaults.mcp]
difficulty = "fetch"

[display]
cat_mode = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/repos"}, cfg.Scan.Roots)
	assert.Equal(t, 3, cfg.Scan.MaxDepth)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3600, cfg.Scan.AutoVerifySeconds)
	assert.Equal(t, "commit", cfg.Defaults.Difficulty)
	assert.Equal(t, "fetch", cfg.Defaults.MCP.Difficulty)
	assert.True(t, cfg.Display.CatMode)

	label, ok := cfg.WorkLabelFor("initech-labs")
	assert.True(t, ok)
	assert.Equal(t, "initech", label)
	_, ok = cfg.WorkLabelFor("hooli")
	assert.False(t, ok)

	assert.True(t, cfg.IsCommunityOrg("NeoVim"))
	assert.True(t, cfg.IsOwnUsername("Aaron"))
	assert.False(t, cfg.IsOwnUsername("bob"))
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeConfig(t, `[scan` + "\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfigInvalid))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[scan]
roots = ["/srv/repos"]
depht = 3
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfigInvalid))
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"relative root", "[scan]\nroots = [\"code\"]\n"},
		{"zero depth", "[scan]\nroots = [\"/x\"]\nmax_depth = 0\n"},
		{"bad pattern", "[organization]\npattern = \"alphabetical\"\n"},
		{"bad difficulty", "[defaults]\ndifficulty = \"yolo\"\n"},
		{"bad override level", "[overrides]\n\"/x/**\" = \"yolo\"\n"},
		{"zero plan size", "[safety]\nmax_plan_size = 0\n"},
		{"rule sets nothing", "[[classify.rules]]\n[classify.rules.match]\norg = \"x\"\n"},
		{"rule bad intention", "[[classify.rules]]\n[classify.rules.set]\nintention = \"hoarding\"\n"},
		{"org rule unknown predicate", "[[organization.rules]]\nmatch = { color = \"red\" }\ntemplate = \"x/{repo_name}\"\n"},
		{"org rule unknown var", "[[organization.rules]]\nmatch = {}\ntemplate = \"{species}/{repo_name}\"\n"},
		{"org rules without catch-all", "[[organization.rules]]\nmatch = { dirty = \"true\" }\ntemplate = \"wip/{repo_name}\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindConfigInvalid), "got %v", err)
		})
	}
}

func TestValidRulesLoad(t *testing.T) {
	path := writeConfig(t, `
[[organization.rules]]
match = { intention = "dotfiles" }
template = "dotfiles/{repo_name}"

[[organization.rules]]
match = {}
template = "{platform}/{org}/{repo_name}"

[[classify.rules]]
[classify.rules.match]
path = "/srv/vendor/**"
[classify.rules.set]
ownership = "third-party"
intention = "dependency"
tags = ["vendored"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Organization.Rules, 2)
	require.Len(t, cfg.Classify.Rules, 1)
	assert.Equal(t, "third-party", cfg.Classify.Rules[0].Set.Ownership)
}

func TestGateOptions(t *testing.T) {
	path := writeConfig(t, `
[scan]
roots = ["/srv/repos"]

[defaults]
difficulty = "unsafe"

[overrides]
"/srv/repos/prod/**" = "readonly"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	opts, err := cfg.GateOptions()
	require.NoError(t, err)
	assert.Equal(t, gate.Unsafe, opts.CLIDefault)
	assert.Equal(t, gate.Readonly, opts.AgentDefault)
	assert.Equal(t, []string{"/srv/repos"}, opts.ScanRoots)
	require.Len(t, opts.Overrides, 1)
	assert.Equal(t, gate.Readonly, opts.Overrides[0].Level)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "code"), ExpandHome("~/code"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "rel/path", ExpandHome("rel/path"))
}

func TestStarterParses(t *testing.T) {
	path := writeConfig(t, Starter)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "platform", cfg.Organization.Pattern)
}

func TestDirsHonorEnvOverrides(t *testing.T) {
	t.Setenv("KISSA_HOME", "")
	t.Setenv("KISSA_CONFIG_DIR", "/tmp/kc")
	t.Setenv("KISSA_DATA_DIR", "/tmp/kd")
	t.Setenv("KISSA_CACHE_DIR", "/tmp/kx")

	assert.Equal(t, "/tmp/kc", ConfigDir())
	assert.Equal(t, filepath.Join("/tmp/kc", "config.toml"), DefaultPath())
	assert.Equal(t, filepath.Join("/tmp/kd", "index.db"), IndexPath())
	assert.Equal(t, "/tmp/kx", CacheDir())

	t.Setenv("KISSA_HOME", "/tmp/portable")
	assert.Equal(t, filepath.Join("/tmp/portable", "config"), ConfigDir())
	assert.Equal(t, filepath.Join("/tmp/portable", "data"), DataDir())
}

func TestDirsXDGFallback(t *testing.T) {
	t.Setenv("KISSA_HOME", "")
	t.Setenv("KISSA_DATA_DIR", "")
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	assert.Equal(t, filepath.Join("/tmp/xdg-data", "kissa"), DataDir())
}
