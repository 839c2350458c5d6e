package model

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Subdirectories of a model directory, one per definition kind.
const (
	DirGeographies = "geographies"
	DirSources     = "sources"
	DirQuestions   = "questions"
	DirMaps        = "maps"
)

// LoadDir reads every YAML file under dir's kind subdirectories and returns
// a validated Registry. A file may hold several documents. Missing
// subdirectories are skipped.
func LoadDir(dir string) (*Registry, error) {
	return LoadFS(os.DirFS(dir))
}

// LoadFS is LoadDir over an fs.FS.
func LoadFS(fsys fs.FS) (*Registry, error) {
	r := NewRegistry()
	var ps problems

	if err := eachDoc(fsys, DirGeographies, func(path string, n *yaml.Node) error {
		var g Geography
		if err := n.Decode(&g); err != nil {
			return eris.Wrapf(err, "model: decode geography in %s", path)
		}
		return collect(&ps, r.RegisterGeography(g))
	}); err != nil {
		return nil, err
	}
	if err := eachDoc(fsys, DirSources, func(path string, n *yaml.Node) error {
		var s Source
		if err := n.Decode(&s); err != nil {
			return eris.Wrapf(err, "model: decode source in %s", path)
		}
		return collect(&ps, r.RegisterSource(s))
	}); err != nil {
		return nil, err
	}
	if err := eachDoc(fsys, DirQuestions, func(path string, n *yaml.Node) error {
		var q Question
		if err := n.Decode(&q); err != nil {
			return eris.Wrapf(err, "model: decode question in %s", path)
		}
		return collect(&ps, r.RegisterQuestion(q))
	}); err != nil {
		return nil, err
	}
	if err := eachDoc(fsys, DirMaps, func(path string, n *yaml.Node) error {
		var m MapConfig
		if err := n.Decode(&m); err != nil {
			return eris.Wrapf(err, "model: decode map in %s", path)
		}
		return collect(&ps, r.RegisterMap(m))
	}); err != nil {
		return nil, err
	}

	if err := r.Validate(); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ps = append(ps, ve.Problems...)
		} else {
			return nil, err
		}
	}
	if err := ps.err(); err != nil {
		return nil, err
	}

	zap.L().Debug("model loaded",
		zap.Int("geographies", len(r.geoOrder)),
		zap.Int("sources", len(r.sourceOrder)),
		zap.Int("questions", len(r.questionOrder)),
		zap.Int("maps", len(r.mapOrder)),
	)
	return r, nil
}

// collect folds registration ValidationErrors into ps so one load reports
// every duplicate.
func collect(ps *problems, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		*ps = append(*ps, ve.Problems...)
		return nil
	}
	return err
}

// eachDoc calls fn for every YAML document in the .yaml/.yml files of sub,
// in file-name order. A sequence document is flattened into its items.
func eachDoc(fsys fs.FS, sub string, fn func(path string, n *yaml.Node) error) error {
	entries, err := fs.ReadDir(fsys, sub)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "model: read %s", sub)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		path := sub + "/" + name
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return eris.Wrapf(err, "model: read %s", path)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var doc yaml.Node
			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return eris.Wrapf(err, "model: parse %s", path)
			}
			if len(doc.Content) == 0 {
				continue
			}
			root := doc.Content[0]
			if root.Kind == yaml.SequenceNode {
				for _, item := range root.Content {
					if err := fn(path, item); err != nil {
						return err
					}
				}
				continue
			}
			if err := fn(path, root); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dump writes every definition to dir as one YAML file per definition,
// laid out so LoadDir reads it back.
func Dump(r *Registry, dir string) error {
	for _, g := range r.Geographies() {
		if err := writeYAML(filepath.Join(dir, DirGeographies, g.ID+".yaml"), g); err != nil {
			return err
		}
	}
	for _, s := range r.Sources() {
		if err := writeYAML(filepath.Join(dir, DirSources, s.ID+".yaml"), s); err != nil {
			return err
		}
	}
	for _, q := range r.Questions() {
		if err := writeYAML(filepath.Join(dir, DirQuestions, q.ID+".yaml"), q); err != nil {
			return err
		}
	}
	for _, m := range r.Maps() {
		if err := writeYAML(filepath.Join(dir, DirMaps, m.ID+".yaml"), m); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes every definition to w as a multi-document YAML stream.
func Encode(r *Registry, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, g := range r.Geographies() {
		if err := enc.Encode(g); err != nil {
			return eris.Wrapf(err, "model: encode geography %s", g.ID)
		}
	}
	for _, s := range r.Sources() {
		if err := enc.Encode(s); err != nil {
			return eris.Wrapf(err, "model: encode source %s", s.ID)
		}
	}
	for _, q := range r.Questions() {
		if err := enc.Encode(q); err != nil {
			return eris.Wrapf(err, "model: encode question %s", q.ID)
		}
	}
	for _, m := range r.Maps() {
		if err := enc.Encode(m); err != nil {
			return eris.Wrapf(err, "model: encode map %s", m.ID)
		}
	}
	return eris.Wrap(enc.Close(), "model: close encoder")
}

func writeYAML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "model: create %s", filepath.Dir(path))
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return eris.Wrapf(err, "model: encode %s", path)
	}
	if err := enc.Close(); err != nil {
		return eris.Wrapf(err, "model: encode %s", path)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return eris.Wrapf(err, "model: write %s", path)
	}
	return nil
}
