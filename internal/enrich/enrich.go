// Package enrich reads and writes the optional per-repo metadata file.
// A .kissa file at a repository root declares what no amount of probing
// can discover: the project it belongs to, its role there, sibling
// checkouts, a preferred location, and a difficulty floor.
package enrich

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"kissa/internal/config"
	"kissa/internal/errs"
	"kissa/internal/gate"
	"kissa/internal/repo"
)

// FileName is the enrichment file's name at a repository root.
const FileName = ".kissa"

// File is the schema of a .kissa file.
type File struct {
	Identity      Identity      `toml:"identity"`
	Relationships Relationships `toml:"relationships"`
	Organization  Organization  `toml:"organization"`
	Permissions   Permissions   `toml:"permissions"`
}

type Identity struct {
	Project   string   `toml:"project,omitempty"`
	Role      string   `toml:"role,omitempty"`
	Tags      []string `toml:"tags,omitempty"`
	Intention string   `toml:"intention,omitempty"`
}

type Relationships struct {
	Siblings []string `toml:"siblings,omitempty"`
}

type Organization struct {
	PreferredPath string `toml:"preferred_path,omitempty"`
}

type Permissions struct {
	Difficulty string `toml:"difficulty,omitempty"`
}

// Load reads the enrichment file under repoPath. A missing file is
// (nil, nil); a file that does not parse or validate is ConfigInvalid.
func Load(repoPath string) (*File, error) {
	data, err := os.ReadFile(filepath.Join(repoPath, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, err, "reading %s in %s", FileName, repoPath)
	}

	var f File
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, err, "parsing %s in %s", FileName, repoPath)
	}
	if err := f.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, err, "%s in %s", FileName, repoPath)
	}
	f.Organization.PreferredPath = config.ExpandHome(f.Organization.PreferredPath)
	return &f, nil
}

// Validate checks the enum-valued fields.
func (f *File) Validate() error {
	if f.Identity.Intention != "" {
		if _, err := repo.ParseIntention(f.Identity.Intention); err != nil {
			return fmt.Errorf("identity.intention: %w", err)
		}
	}
	if f.Permissions.Difficulty != "" {
		if _, err := gate.ParseLevel(f.Permissions.Difficulty); err != nil {
			return fmt.Errorf("permissions.difficulty: %w", err)
		}
	}
	if p := f.Organization.PreferredPath; p != "" && !filepath.IsAbs(p) &&
		p != "~" && !strings.HasPrefix(p, "~/") {
		return fmt.Errorf("organization.preferred_path %q is not absolute", p)
	}
	return nil
}

// Write renders the file to the repository root, refusing to clobber an
// existing one.
func Write(repoPath string, f *File) error {
	path := filepath.Join(repoPath, FileName)
	if _, err := os.Lstat(path); err == nil {
		return errs.New(errs.KindConfigInvalid, "%s already exists", path)
	}
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", FileName, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", FileName, err)
	}
	return nil
}

// Apply copies the declared identity onto the node and returns the tags
// to attach.
func (f *File) Apply(r *repo.Repo) []string {
	r.HasEnrichment = true
	if f.Identity.Project != "" {
		r.Project = f.Identity.Project
	}
	if f.Identity.Role != "" {
		r.Role = f.Identity.Role
	}
	if f.Permissions.Difficulty != "" {
		r.Difficulty = f.Permissions.Difficulty
	}
	return f.Identity.Tags
}

// Overrides projects the file's explicit classification values into the
// classifier's override map form.
func (f *File) Overrides() map[string]string {
	if f.Identity.Intention == "" {
		return nil
	}
	return map[string]string{"intention": f.Identity.Intention}
}

// SiblingPaths resolves the declared siblings against the repository's
// directory, cleaned and absolute.
func (f *File) SiblingPaths(repoPath string) []string {
	var out []string
	for _, s := range f.Relationships.Siblings {
		if s == "" {
			continue
		}
		s = config.ExpandHome(s)
		if !filepath.IsAbs(s) {
			s = filepath.Join(repoPath, s)
		}
		out = append(out, filepath.Clean(s))
	}
	return out
}

// DifficultyFloor returns the declared difficulty, if any.
func (f *File) DifficultyFloor() (gate.Level, bool) {
	if f.Permissions.Difficulty == "" {
		return 0, false
	}
	level, err := gate.ParseLevel(f.Permissions.Difficulty)
	if err != nil {
		return 0, false
	}
	return level, true
}

// Starter renders a commented template for `init-dotkissa`.
func Starter(name string) string {
	return fmt.Sprintf(`# %s metadata for %s.
# Everything here is optional; delete what you don't need.

[identity]
# project groups related checkouts under one name.
project = "%s"
# role describes this checkout's part in the project: cli, lib, docs, infra.
role = ""
# tags are appended to the catalogue's tags for this repo.
tags = []
# intention pins the classification: developing, contributing, reference,
# dependency, dotfiles, infrastructure, experiment, archived.
intention = ""

[relationships]
# siblings are paths to related checkouts, relative to this directory.
siblings = []

[organization]
# preferred_path overrides the organize pattern for this repo.
preferred_path = ""

[permissions]
# difficulty floors the permission level here: readonly, fetch, commit,
# force, unsafe.
difficulty = ""
`, FileName, name, name)
}
