package tools

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"goyais/toolhost/internal/agentcore/mcp"
	"goyais/toolhost/internal/agentcore/registry"
	"goyais/toolhost/internal/logging"
)

// Descriptor is one tool of one ready server. Server is a lookup key, not a
// handle: descriptors stay valid after the connection they came from is gone.
//
// Alias is a model-safe spelling of the tool name, unique within a catalog
// generation. It resolves to the same descriptor as Name.
type Descriptor struct {
	Name        string          `json:"name"`
	Alias       string          `json:"alias"`
	Server      string          `json:"server"`
	Tool        string          `json:"tool"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	SchemaHash  string          `json:"schema_hash"`
	ReadOnly    bool            `json:"read_only"`
	Destructive bool            `json:"destructive"`

	schema *jsonschema.Schema
}

func QualifiedName(server, tool string) string {
	return server + "/" + tool
}

// SplitName splits a qualified name at its first slash.
func SplitName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, "/")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Source supplies the tools of every ready server.
type Source interface {
	ReadyServers() []registry.ServerTools
}

// Subscriber delivers registry changes.
type Subscriber interface {
	Subscribe(fn func(registry.Change)) (unsubscribe func())
}

type generation struct {
	number  uint64
	ordered []Descriptor
	byName  map[string]int
	byAlias map[string]int
}

func newGeneration() *generation {
	return &generation{byName: map[string]int{}, byAlias: map[string]int{}}
}

// Catalog is a read-mostly snapshot of the tools of every ready server.
// Rebuild builds a new generation and swaps it in, readers never lock.
type Catalog struct {
	source Source
	log    *logrus.Entry

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
	number  uint64

	current atomic.Pointer[generation]
}

func NewCatalog(source Source, log *logrus.Entry) *Catalog {
	log = logging.OrDefault(log, "catalog")
	c := &Catalog{
		source:  source,
		log:     log,
		schemas: map[string]*jsonschema.Schema{},
	}
	c.current.Store(newGeneration())
	return c
}

// Watch rebuilds the catalog now and on every registry change until the
// returned function is called.
func (c *Catalog) Watch(sub Subscriber) (stop func()) {
	unsubscribe := sub.Subscribe(func(change registry.Change) {
		if change.Reason == registry.ReasonPromptsChanged {
			return
		}
		c.log.WithFields(logrus.Fields{
			"server": change.Server,
			"reason": change.Reason,
		}).Debug("rebuilding tool catalog")
		c.Rebuild()
	})
	c.Rebuild()
	return unsubscribe
}

// Rebuild reads the source and publishes a new generation. Concurrent
// rebuilds are serialized so a later rebuild always publishes last.
func (c *Catalog) Rebuild() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := newGeneration()
	for _, server := range c.source.ReadyServers() {
		log := c.log.WithField("server", server.Name)
		seen := map[string]bool{}
		for _, tool := range server.Tools {
			if seen[tool.Name] {
				log.WithField("tool", tool.Name).Warn("skipping duplicate tool name")
				continue
			}
			seen[tool.Name] = true
			alias := uniqueAlias(sanitizeName(tool.Name), next.byAlias)
			if err := validateTool(tool, alias); err != nil {
				log.WithError(err).WithField("tool", tool.Name).Warn("tool is out of spec and will be excluded")
				continue
			}
			desc := c.describe(server.Name, tool, log)
			desc.Alias = alias
			next.byName[desc.Name] = len(next.ordered)
			next.byAlias[alias] = len(next.ordered)
			next.ordered = append(next.ordered, desc)
		}
	}
	c.number++
	next.number = c.number
	c.current.Store(next)
	c.log.WithFields(logrus.Fields{
		"generation": next.number,
		"tools":      len(next.ordered),
	}).Debug("tool catalog rebuilt")
	return next.number
}

const (
	maxAliasLength = 64
	aliasDelimiter = "___"
)

func validateTool(tool mcp.Tool, alias string) error {
	switch {
	case strings.TrimSpace(tool.Name) == "":
		return errors.New("tool name is empty")
	case len(alias) > maxAliasLength:
		return fmt.Errorf("tool name exceeds max length of %d", maxAliasLength)
	case strings.TrimSpace(tool.Description) == "":
		return errors.New("tool schema contains empty description")
	}
	return nil
}

// validAlias reports whether name matches ^[a-zA-Z][a-zA-Z0-9_]*$.
func validAlias(name string) bool {
	if name == "" || !isLetter(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if c := name[i]; !isLetter(c) && !isDigit(c) && c != '_' {
			return false
		}
	}
	return true
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

// sanitizeName maps a tool name onto the model-safe alphabet. Names that
// sanitize to nothing get a short stable hash.
func sanitizeName(name string) string {
	if validAlias(name) && !strings.Contains(name, aliasDelimiter) {
		return name
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if c := name[i]; isLetter(c) || isDigit(c) || c == '_' {
			b.WriteByte(c)
		}
	}
	sanitized := strings.ReplaceAll(b.String(), aliasDelimiter, "")
	switch {
	case sanitized == "":
		sum := sha256.Sum256([]byte(name))
		return fmt.Sprintf("a%03d", binary.BigEndian.Uint64(sum[:8])%1000)
	case !isLetter(sanitized[0]):
		return "a" + sanitized
	}
	return sanitized
}

func uniqueAlias(alias string, taken map[string]int) string {
	for {
		if _, ok := taken[alias]; !ok {
			return alias
		}
		alias += "1"
	}
}

func (c *Catalog) describe(server string, tool mcp.Tool, log *logrus.Entry) Descriptor {
	desc := Descriptor{
		Name:        QualifiedName(server, tool.Name),
		Server:      server,
		Tool:        tool.Name,
		Title:       tool.Title,
		Description: tool.Description,
		InputSchema: tool.InputSchema,
		SchemaHash:  hashSchema(tool.InputSchema),
	}
	if ann := tool.Annotations; ann != nil {
		if desc.Title == "" {
			desc.Title = ann.Title
		}
		desc.ReadOnly = ann.ReadOnlyHint
		desc.Destructive = ann.DestructiveHint != nil && *ann.DestructiveHint
	}
	if len(tool.InputSchema) == 0 {
		return desc
	}
	schema, ok := c.schemas[desc.SchemaHash]
	if !ok {
		compiled, err := compileSchema(tool.InputSchema)
		if err != nil {
			log.WithError(err).WithField("tool", tool.Name).Warn("input schema does not compile, arguments will not be checked")
		}
		schema = compiled
		c.schemas[desc.SchemaHash] = schema
	}
	desc.schema = schema
	return desc
}

const schemaURL = "mem:///input-schema.json"

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
}

func hashSchema(schema json.RawMessage) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, schema); err != nil {
		compact.Reset()
		compact.Write(schema)
	}
	digest := sha256.Sum256(compact.Bytes())
	return hex.EncodeToString(digest[:])
}

// Lookup resolves a qualified name or an alias.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	gen := c.current.Load()
	i, ok := gen.byName[name]
	if !ok {
		i, ok = gen.byAlias[name]
	}
	if !ok {
		return Descriptor{}, false
	}
	return gen.ordered[i], true
}

// List returns the current generation in server then tool order.
func (c *Catalog) List() []Descriptor {
	gen := c.current.Load()
	return append([]Descriptor(nil), gen.ordered...)
}

// All iterates the generation that is current when iteration starts. The
// sequence can be ranged over again to see a newer generation.
func (c *Catalog) All() iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		gen := c.current.Load()
		for _, desc := range gen.ordered {
			if !yield(desc) {
				return
			}
		}
	}
}

// ValidateArguments checks args against the tool's input schema. Tools
// without a usable schema accept any JSON object.
func (d Descriptor) ValidateArguments(args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return errors.New("arguments must be a JSON object")
	}
	if d.schema == nil {
		return nil
	}
	return d.schema.Validate(instance)
}
