package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/wire"
)

// Tree is the common interface of the full tree and namespaced views.
type Tree interface {
	Get(path string) any
	GetInt(path string) int
	GetString(path string) string
	GetBool(path string) bool
	GetList(path string) []any
	Set(path string, value any)
	Add(path string, value any)
	Remove(path string)
	Has(path string) bool
	RootAt(prefix string) Tree
	Save() error
}

// Persist is the root state tree backed by a single on-disk file.
type Persist struct {
	filename string
	root     map[string]any
	modified bool
}

// New loads the tree from filename. A missing file yields an empty
// tree; a corrupted file yields an empty tree and a logged warning.
func New(filename string) *Persist {
	p := &Persist{filename: filename, root: make(map[string]any)}
	data, err := os.ReadFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			logger := log.WithComponent("persist")
			logger.Warn().Err(err).
				Str("file", filename).Msg("cannot read state file, starting empty")
		}
		return p
	}
	value, err := wire.Unmarshal(data)
	if err != nil {
		logger := log.WithComponent("persist")
		logger.Warn().Err(err).
			Str("file", filename).Msg("invalid state file, starting empty")
		return p
	}
	root, ok := value.(map[string]any)
	if !ok {
		logger := log.WithComponent("persist")
		logger.Warn().
			Str("file", filename).Msg("state file does not contain a tree, starting empty")
		return p
	}
	p.root = root
	return p
}

// Modified reports whether the tree changed since the last Save.
func (p *Persist) Modified() bool {
	return p.modified
}

// Save atomically writes the tree to its file.
func (p *Persist) Save() error {
	data, err := wire.Marshal(p.root)
	if err != nil {
		return fmt.Errorf("persist: encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.filename), 0o700); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	tmp := p.filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("persist: write state: %w", err)
	}
	if err := os.Rename(tmp, p.filename); err != nil {
		return fmt.Errorf("persist: replace state: %w", err)
	}
	p.modified = false
	return nil
}

// Get returns the value at path, or nil when absent.
func (p *Persist) Get(path string) any {
	node := any(p.root)
	for _, seg := range segments(path) {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return node
}

// GetInt returns the integer at path, or 0 when absent or not numeric.
func (p *Persist) GetInt(path string) int {
	switch v := p.Get(path).(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// GetString returns the text at path, or "" when absent.
func (p *Persist) GetString(path string) string {
	switch v := p.Get(path).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// GetBool returns the boolean at path, or false when absent.
func (p *Persist) GetBool(path string) bool {
	v, _ := p.Get(path).(bool)
	return v
}

// GetList returns the list at path, or nil when absent.
func (p *Persist) GetList(path string) []any {
	v, _ := p.Get(path).([]any)
	return v
}

// Has reports whether path holds any value.
func (p *Persist) Has(path string) bool {
	return p.Get(path) != nil
}

// Set stores value at path, creating intermediate maps as needed.
// Intermediate scalars are overwritten.
func (p *Persist) Set(path string, value any) {
	segs := segments(path)
	node := p.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = value
	p.modified = true
}

// Add appends value to the list at path, creating it when absent.
func (p *Persist) Add(path string, value any) {
	list, _ := p.Get(path).([]any)
	p.Set(path, append(list, value))
}

// Remove deletes the value at path. Removing an absent path is a no-op.
func (p *Persist) Remove(path string) {
	segs := segments(path)
	node := p.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			return
		}
		node = next
	}
	if _, ok := node[segs[len(segs)-1]]; ok {
		delete(node, segs[len(segs)-1])
		p.modified = true
	}
}

// RootAt returns a view of the tree rooted at prefix. The view shares
// the underlying tree and dirty flag.
func (p *Persist) RootAt(prefix string) Tree {
	return &view{persist: p, prefix: prefix}
}

func segments(path string) []string {
	return strings.Split(path, ".")
}

type view struct {
	persist *Persist
	prefix  string
}

func (v *view) join(path string) string {
	if path == "" {
		return v.prefix
	}
	return v.prefix + "." + path
}

func (v *view) Get(path string) any          { return v.persist.Get(v.join(path)) }
func (v *view) GetInt(path string) int       { return v.persist.GetInt(v.join(path)) }
func (v *view) GetString(path string) string { return v.persist.GetString(v.join(path)) }
func (v *view) GetBool(path string) bool     { return v.persist.GetBool(v.join(path)) }
func (v *view) GetList(path string) []any    { return v.persist.GetList(v.join(path)) }
func (v *view) Set(path string, value any)   { v.persist.Set(v.join(path), value) }
func (v *view) Add(path string, value any)   { v.persist.Add(v.join(path), value) }
func (v *view) Remove(path string)           { v.persist.Remove(v.join(path)) }
func (v *view) Has(path string) bool         { return v.persist.Has(v.join(path)) }
func (v *view) Save() error                  { return v.persist.Save() }

func (v *view) RootAt(prefix string) Tree {
	return &view{persist: v.persist, prefix: v.join(prefix)}
}
