package scan

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"kissa/internal/enrich"
)

// ManifestRef is one local-path reference found in a package manifest.
// Target is the cleaned absolute path; Detail records where the
// reference came from, as "manifest:line".
type ManifestRef struct {
	Target string
	Detail string
}

var (
	goReplaceRe = regexp.MustCompile(`^\s*replace\s+\S+(?:\s+\S+)?\s*=>\s*(\.{1,2}/\S+|/\S+)`)
	goArrowRe   = regexp.MustCompile(`^\s*\S+(?:\s+\S+)?\s*=>\s*(\.{1,2}/\S+|/\S+)\s*$`)
	npmFileRe   = regexp.MustCompile(`"file:([^"]+)"`)
	cargoPathRe = regexp.MustCompile(`path\s*=\s*"([^"]+)"`)
)

// ManifestRefs scans the manifests kissa understands at a repository
// root for local-path dependencies: go.mod replace directives,
// package.json file: dependencies, and Cargo.toml path dependencies.
// Targets resolve relative to the repository root.
func ManifestRefs(root string) []ManifestRef {
	var refs []ManifestRef
	refs = append(refs, goModRefs(root)...)
	refs = append(refs, packageJSONRefs(root)...)
	refs = append(refs, cargoTomlRefs(root)...)
	return refs
}

func goModRefs(root string) []ManifestRef {
	var refs []ManifestRef
	inBlock := false
	scanManifest(root, "go.mod", func(line string, n int) {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "replace ("):
			inBlock = true
			return
		case inBlock && trimmed == ")":
			inBlock = false
			return
		}
		var m []string
		if inBlock {
			m = goArrowRe.FindStringSubmatch(line)
		} else {
			m = goReplaceRe.FindStringSubmatch(line)
		}
		if m != nil {
			refs = append(refs, makeRef(root, "go.mod", m[1], n))
		}
	})
	return refs
}

func packageJSONRefs(root string) []ManifestRef {
	var refs []ManifestRef
	scanManifest(root, "package.json", func(line string, n int) {
		for _, m := range npmFileRe.FindAllStringSubmatch(line, -1) {
			refs = append(refs, makeRef(root, "package.json", m[1], n))
		}
	})
	return refs
}

func cargoTomlRefs(root string) []ManifestRef {
	var refs []ManifestRef
	scanManifest(root, "Cargo.toml", func(line string, n int) {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			return
		}
		if m := cargoPathRe.FindStringSubmatch(line); m != nil {
			refs = append(refs, makeRef(root, "Cargo.toml", m[1], n))
		}
	})
	return refs
}

func scanManifest(root, name string, visit func(line string, n int)) {
	f, err := os.Open(filepath.Join(root, name))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		visit(scanner.Text(), n)
	}
}

func makeRef(root, manifest, target string, line int) ManifestRef {
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	return ManifestRef{
		Target: filepath.Clean(target),
		Detail: fmt.Sprintf("%s:%d", manifest, line),
	}
}

// submodule entries of a parent repository, from its .gitmodules.
type submoduleEntry struct {
	path   string // absolute child path
	detail string // .gitmodules:line
}

var gitmodulesPathRe = regexp.MustCompile(`^\s*path\s*=\s*(.+?)\s*$`)

func submodulePaths(root string) []submoduleEntry {
	var entries []submoduleEntry
	scanManifest(root, ".gitmodules", func(line string, n int) {
		if m := gitmodulesPathRe.FindStringSubmatch(line); m != nil {
			entries = append(entries, submoduleEntry{
				path:   filepath.Join(root, m[1]),
				detail: fmt.Sprintf(".gitmodules:%d", n),
			})
		}
	})
	return entries
}

// siblingPaths resolves the enrichment file's declared siblings, if the
// repository carries one.
func siblingPaths(root string) []string {
	f, err := enrich.Load(root)
	if err != nil || f == nil {
		return nil
	}
	return f.SiblingPaths(root)
}
