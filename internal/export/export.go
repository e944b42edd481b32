// Package export round-trips the catalogue: nodes, edges, and tags
// serialize to JSON or YAML, optionally zstd-compressed, with a blake3
// checksum so an import can prove it rebuilt the same graph.
package export

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"

	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/index"
	"kissa/internal/repo"
)

// FormatVersion is bumped when the payload shape changes.
const FormatVersion = 1

// Formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// edgeRecord references endpoints by path, not id, so the graph
// survives round-tripping into a store that assigns fresh ids.
type edgeRecord struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Type   string `json:"type" yaml:"type"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// nodeRecord is one exported repository with its classification
// rendered in text form.
type nodeRecord struct {
	Repo      *repo.Repo `json:"repo" yaml:"repo"`
	Ownership string     `json:"ownership,omitempty" yaml:"ownership,omitempty"`
}

// Payload is the export document.
type Payload struct {
	Version  int          `json:"version" yaml:"version"`
	Exported time.Time    `json:"exported" yaml:"exported"`
	Nodes    []nodeRecord `json:"nodes" yaml:"nodes"`
	Edges    []edgeRecord `json:"edges,omitempty" yaml:"edges,omitempty"`
	Checksum string       `json:"checksum" yaml:"checksum"`
}

// Write exports the whole catalogue to w.
func Write(ctx context.Context, store *index.Store, w io.Writer, format string, compress bool) error {
	payload, err := build(ctx, store)
	if err != nil {
		return err
	}

	if compress {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("starting compressor: %w", err)
		}
		if err := encode(zw, payload, format); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}
	return encode(w, payload, format)
}

// Read imports a payload from r into the store, verifying the checksum
// first. Existing nodes merge by path; the edge set is rebuilt from the
// payload.
func Read(ctx context.Context, store *index.Store, r io.Reader, format string, compressed bool) (int, int, error) {
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return 0, 0, errs.Wrap(errs.KindCorrupted, err, "opening compressed export")
		}
		defer zr.Close()
		r = zr
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, err
	}
	var payload Payload
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &payload)
	default:
		err = json.Unmarshal(data, &payload)
	}
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindCorrupted, err, "decoding export")
	}
	if payload.Version != FormatVersion {
		return 0, 0, errs.New(errs.KindCorrupted, "export format version %d, expected %d", payload.Version, FormatVersion)
	}
	if sum := checksum(&payload); sum != payload.Checksum {
		return 0, 0, errs.New(errs.KindCorrupted, "export checksum mismatch; the file was altered or truncated")
	}

	byPath := make(map[string]int64, len(payload.Nodes))
	for _, node := range payload.Nodes {
		r := node.Repo
		if node.Ownership != "" {
			if o, err := repo.ParseOwnership(node.Ownership); err == nil {
				r.Ownership = o
			}
		}
		r.ID = 0
		tags := r.Tags
		if err := store.UpsertVitals(ctx, r); err != nil {
			return 0, 0, err
		}
		if err := store.UpdateClassification(ctx, r); err != nil {
			return 0, 0, err
		}
		if err := store.AddTags(ctx, r.ID, tags...); err != nil {
			return 0, 0, err
		}
		byPath[r.Path] = r.ID
	}

	edges := 0
	for _, e := range payload.Edges {
		src, ok1 := byPath[e.Source]
		dst, ok2 := byPath[e.Target]
		if !ok1 || !ok2 {
			continue
		}
		t, err := repo.ParseEdgeType(e.Type)
		if err != nil {
			continue
		}
		err = store.InsertEdge(ctx, repo.Edge{SourceID: src, TargetID: dst, Type: t, Detail: e.Detail})
		if err != nil {
			return 0, 0, err
		}
		edges++
	}
	return len(payload.Nodes), edges, nil
}

func build(ctx context.Context, store *index.Store) (*Payload, error) {
	repos, err := store.ListRepos(ctx, filter.Filter{})
	if err != nil {
		return nil, err
	}
	allEdges, err := store.AllEdges(ctx)
	if err != nil {
		return nil, err
	}

	pathOf := make(map[int64]string, len(repos))
	payload := &Payload{Version: FormatVersion, Exported: time.Now().UTC()}
	for _, r := range repos {
		pathOf[r.ID] = r.Path
		payload.Nodes = append(payload.Nodes, nodeRecord{Repo: r, Ownership: r.Ownership.String()})
	}
	for _, e := range allEdges {
		src, ok1 := pathOf[e.SourceID]
		dst, ok2 := pathOf[e.TargetID]
		if !ok1 || !ok2 {
			continue
		}
		payload.Edges = append(payload.Edges, edgeRecord{
			Source: src, Target: dst, Type: string(e.Type), Detail: e.Detail,
		})
	}
	payload.Checksum = checksum(payload)
	return payload, nil
}

// checksum digests a canonical line form of the graph: sorted node
// paths with their remote sets, then sorted edge triples. Field-level
// churn in the vitals deliberately stays out of it; the checksum
// answers "same graph?", not "identical bytes?".
func checksum(p *Payload) string {
	var lines []string
	for _, n := range p.Nodes {
		lines = append(lines, "node\t"+n.Repo.Path+"\t"+strings.Join(n.Repo.RemoteURLs(), ","))
	}
	for _, e := range p.Edges {
		lines = append(lines, "edge\t"+e.Source+"\t"+e.Target+"\t"+e.Type+"\t"+e.Detail)
	}
	sort.Strings(lines)
	sum := blake3.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func encode(w io.Writer, payload *Payload, format string) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("encoding export: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("encoding export: %w", err)
		}
		return nil
	}
}
