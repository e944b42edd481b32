// Package repo defines the catalogue's node and edge model: repository
// vitals, the three classification axes, freshness tiers, and remote
// URL parsing.
package repo

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// State is the lifecycle state of an indexed node.
type State string

const (
	StateActive  State = "active"
	StateLost    State = "lost"
	StateTimeout State = "timeout"
)

// Category says what the repository is relative to its remotes.
type Category string

const (
	CategoryOrigin Category = "origin"
	CategoryClone  Category = "clone"
	CategoryFork   Category = "fork"
	CategoryMirror Category = "mirror"
)

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryOrigin, CategoryClone, CategoryFork, CategoryMirror:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// OwnershipKind says whose the repository is.
type OwnershipKind string

const (
	OwnershipPersonal   OwnershipKind = "personal"
	OwnershipWork       OwnershipKind = "work"
	OwnershipCommunity  OwnershipKind = "community"
	OwnershipThirdParty OwnershipKind = "third-party"
	OwnershipLocal      OwnershipKind = "local"
)

// Ownership pairs a kind with an optional label; work ownership renders
// as "work:<label>".
type Ownership struct {
	Kind  OwnershipKind
	Label string
}

func (o Ownership) String() string {
	if o.Kind == OwnershipWork && o.Label != "" {
		return string(o.Kind) + ":" + o.Label
	}
	return string(o.Kind)
}

// IsZero reports whether the ownership axis is unset.
func (o Ownership) IsZero() bool { return o.Kind == "" }

// ParseOwnership parses "personal", "work:acme", etc.
func ParseOwnership(s string) (Ownership, error) {
	kind, label, _ := strings.Cut(s, ":")
	switch OwnershipKind(kind) {
	case OwnershipPersonal, OwnershipCommunity, OwnershipThirdParty, OwnershipLocal:
		if label != "" {
			return Ownership{}, fmt.Errorf("ownership %q takes no label", kind)
		}
		return Ownership{Kind: OwnershipKind(kind)}, nil
	case OwnershipWork:
		return Ownership{Kind: OwnershipWork, Label: label}, nil
	}
	return Ownership{}, fmt.Errorf("unknown ownership %q", s)
}

// Intention says why the repository is kept.
type Intention string

const (
	IntentionDeveloping     Intention = "developing"
	IntentionContributing   Intention = "contributing"
	IntentionReference      Intention = "reference"
	IntentionDependency     Intention = "dependency"
	IntentionDotfiles       Intention = "dotfiles"
	IntentionInfrastructure Intention = "infrastructure"
	IntentionExperiment     Intention = "experiment"
	IntentionArchived       Intention = "archived"
)

// ParseIntention validates an intention string.
func ParseIntention(s string) (Intention, error) {
	switch Intention(s) {
	case IntentionDeveloping, IntentionContributing, IntentionReference,
		IntentionDependency, IntentionDotfiles, IntentionInfrastructure,
		IntentionExperiment, IntentionArchived:
		return Intention(s), nil
	}
	return "", fmt.Errorf("unknown intention %q", s)
}

// Remote is a named remote with fetch and optional push URLs.
type Remote struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	PushURL string `json:"push_url,omitempty"`
}

// Repo is one catalogued repository node.
type Repo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`

	State State `json:"state"`
	Bare  bool  `json:"bare,omitempty"`

	DefaultBranch    string `json:"default_branch,omitempty"`
	CurrentBranch    string `json:"current_branch,omitempty"`
	BranchCount      int    `json:"branch_count"`
	StaleBranchCount int    `json:"stale_branch_count"`

	Dirty     bool `json:"dirty"`
	Staged    bool `json:"staged"`
	Untracked bool `json:"untracked"`
	Ahead     int  `json:"ahead"`
	Behind    int  `json:"behind"`

	SizeKB    int64    `json:"size_kb,omitempty"`
	Languages []string `json:"languages,omitempty"`

	LastCommit   *time.Time `json:"last_commit,omitempty"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastVerified time.Time  `json:"last_verified"`
	Generation   int64      `json:"generation"`

	HasEnrichment bool     `json:"has_enrichment,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"` // level the enrichment file declares
	Remotes       []Remote `json:"remotes,omitempty"`
	Tags          []string `json:"tags,omitempty"`

	Category            Category  `json:"category,omitempty"`
	Ownership           Ownership `json:"-"`
	Intention           Intention `json:"intention,omitempty"`
	IntentionConfidence float64   `json:"intention_confidence,omitempty"`
	ManagedBy           string    `json:"managed_by,omitempty"`
	Project             string    `json:"project,omitempty"`
	Role                string    `json:"role,omitempty"`

	CategoryOverride  bool `json:"category_override,omitempty"`
	OwnershipOverride bool `json:"ownership_override,omitempty"`
	IntentionOverride bool `json:"intention_override,omitempty"`
}

// Remote returns the named remote.
func (r *Repo) Remote(name string) (Remote, bool) {
	for _, rm := range r.Remotes {
		if rm.Name == name {
			return rm, true
		}
	}
	return Remote{}, false
}

// Origin returns the origin remote.
func (r *Repo) Origin() (Remote, bool) { return r.Remote("origin") }

// HasRemote reports whether any remote is configured.
func (r *Repo) HasRemote() bool { return len(r.Remotes) > 0 }

// RemoteURLs returns the normalized, sorted, deduplicated remote URL set.
func (r *Repo) RemoteURLs() []string {
	seen := make(map[string]struct{}, len(r.Remotes))
	var urls []string
	for _, rm := range r.Remotes {
		n := NormalizeRemoteURL(rm.URL)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		urls = append(urls, n)
	}
	sort.Strings(urls)
	return urls
}

// IdentityDigest is a stable fingerprint of the remote URL set, used to
// group duplicates and to correlate watch-observed moves. Empty when the
// repository has no remotes.
func (r *Repo) IdentityDigest() string {
	urls := r.RemoteURLs()
	if len(urls) == 0 {
		return ""
	}
	sum := blake3.Sum256([]byte(strings.Join(urls, "\n")))
	return hex.EncodeToString(sum[:])
}

// Org returns the owner segment of the origin remote, or "".
func (r *Repo) Org() string {
	origin, ok := r.Origin()
	if !ok && len(r.Remotes) > 0 {
		origin = r.Remotes[0]
	}
	if ref, ok := ParseRemoteURL(origin.URL); ok {
		return ref.Owner
	}
	return ""
}

// PlatformName returns the short platform name of the origin remote host.
func (r *Repo) PlatformName() string {
	origin, ok := r.Origin()
	if !ok && len(r.Remotes) > 0 {
		origin = r.Remotes[0]
	}
	if ref, ok := ParseRemoteURL(origin.URL); ok {
		return Platform(ref.Host)
	}
	return ""
}

// DeriveName computes the stable repo name: the final segment of the
// origin remote URL when present, the directory basename otherwise.
func DeriveName(path string, remotes []Remote) string {
	for _, rm := range remotes {
		if rm.Name != "origin" {
			continue
		}
		if ref, ok := ParseRemoteURL(rm.URL); ok && ref.Name != "" {
			return ref.Name
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".git")
}
