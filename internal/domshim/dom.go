// Package domshim implements the minimal virtual-DOM surface and the
// duck-typed callback capability record that the embedded Wasm app
// expects the host to provide, per spec.md §4.1 and the "process-wide
// globals" / "dynamic duck-typed callbacks" design notes in spec.md §9.
//
// In the original embedded runtime, window/document/location/history
// are ambient singletons mutated in place. Here they become an explicit
// per-worker state bundle (Document) passed into the host-function
// bridge registered against one wazero module instance, so nothing is
// shared across workers (and nothing needs to be, since each worker is
// its own process).
package domshim

import (
	"fmt"
	"strings"
	"sync"
)

// Callbacks is the capability record the host inspects after calling
// the Wasm module's start entrypoint. wasiAppOnStart and
// wasiChangeRoute are required; a missing required entry is an
// explicit error, not a silent no-op, per spec.md §9.
type Callbacks struct {
	mu sync.Mutex

	onStart                       func()
	disableLocationChangeListener func()
	changeRoute                   func(path, search string, done func(expiresIn int, lastModifiedAt int64))
}

// RegisterOnStart is called by the guest's binding code once it has
// installed wasiAppOnStart.
func (c *Callbacks) RegisterOnStart(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStart = fn
}

// RegisterDisableLocationChangeListener is called by the guest if it
// exposes wasiDisableLocationChangeListener. Optional.
func (c *Callbacks) RegisterDisableLocationChangeListener(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableLocationChangeListener = fn
}

// RegisterChangeRoute is called by the guest once it has installed
// wasiChangeRoute. Required.
func (c *Callbacks) RegisterChangeRoute(fn func(path, search string, done func(expiresIn int, lastModifiedAt int64))) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeRoute = fn
}

// HasOnStart reports whether the guest registered wasiAppOnStart.
func (c *Callbacks) HasOnStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onStart != nil
}

// HasChangeRoute reports whether the guest registered wasiChangeRoute.
func (c *Callbacks) HasChangeRoute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changeRoute != nil
}

// HasDisableLocationChangeListener reports whether the guest registered
// the optional router-quiesce hook.
func (c *Callbacks) HasDisableLocationChangeListener() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disableLocationChangeListener != nil
}

// DisableLocationChangeListener invokes the optional hook if present.
func (c *Callbacks) DisableLocationChangeListener() {
	c.mu.Lock()
	fn := c.disableLocationChangeListener
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ChangeRoute invokes the guest's wasiChangeRoute with a done callback.
// Panics if the guest never registered one; callers must check
// HasChangeRoute first.
func (c *Callbacks) ChangeRoute(path, search string, done func(expiresIn int, lastModifiedAt int64)) {
	c.mu.Lock()
	fn := c.changeRoute
	c.mu.Unlock()
	if fn == nil {
		panic("domshim: ChangeRoute called without a registered wasiChangeRoute")
	}
	fn(path, search, done)
}

// Document is the per-worker virtual DOM state bundle: what the
// teacher's embedded runtime would treat as ambient window/document/
// location/history globals, made explicit and non-shared.
type Document struct {
	mu sync.Mutex

	Path   string
	Search string
	Host   string // location.host, "0.0.0.0:<serverPort>"

	root *element
}

// attr is one attribute in insertion order: the guest sets attributes
// one at a time via dom_set_attribute, and writeElement must reproduce
// that order on every render of the same semantic content, since Go
// randomizes map iteration order per call rather than just per
// process.
type attr struct {
	key, value string
}

// element is a minimal DOM node: enough structure to let the guest
// build a tree and for the host to serialize it back to HTML.
type element struct {
	tag      string
	attrs    []attr
	children []*element
	text     string
}

func (el *element) setAttribute(key, value string) {
	for i := range el.attrs {
		if el.attrs[i].key == key {
			el.attrs[i].value = value
			return
		}
	}
	el.attrs = append(el.attrs, attr{key: key, value: value})
}

// NewDocument constructs a Document configured for one render request.
func NewDocument(path, search, host string) *Document {
	return &Document{
		Path:   path,
		Search: search,
		Host:   host,
		root:   &element{tag: "html"},
	}
}

// Location mocks location.* for the guest: path, search, and a host
// bound to 0.0.0.0:<serverPort> so the app's own URL construction
// resolves consistently regardless of the real inbound Host header.
func (d *Document) Location() (path, search, host string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Path, d.Search, d.Host
}

// SetRoute updates the mocked location for an in-process route change
// (used on the warm path, where the same Document is reused across
// requests within one worker).
func (d *Document) SetRoute(path, search string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Path = path
	d.Search = search
}

// Reset clears the element tree built by a prior render, keeping the
// Document's current Path/Search/Host. Called at the start of every
// render, cold or warm: without it, a warm worker's second render would
// keep appending to the first render's tree instead of starting fresh,
// since CreateElement only ever appends (spec.md §4.1 warm-path step 2
// calls for serializing "current" DOM, not an accumulation of every
// past one).
func (d *Document) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = &element{tag: "html"}
}

// CreateElement appends a fresh element under root and returns its
// handle for further mutation by the guest binding layer.
func (d *Document) CreateElement(tag string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	el := &element{tag: tag}
	d.root.children = append(d.root.children, el)
	return len(d.root.children) - 1
}

// SetAttribute sets an attribute on the root-level element at index,
// preserving first-set insertion order for repeated keys.
func (d *Document) SetAttribute(index int, key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.root.children) {
		return
	}
	d.root.children[index].setAttribute(key, value)
}

// SetText sets the text content of the root-level element at index.
func (d *Document) SetText(index int, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.root.children) {
		return
	}
	d.root.children[index].text = text
}

// SerializeHTML renders the current tree to an HTML string. Element ids
// are intentionally left exactly as the guest set them (they are
// non-deterministic per run); stripping happens downstream in the
// Render Cache, not here, per spec.md §4.4.
func (d *Document) SerializeHTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("<html>")
	for _, child := range d.root.children {
		writeElement(&sb, child)
	}
	sb.WriteString("</html>")
	return sb.String()
}

func writeElement(sb *strings.Builder, el *element) {
	sb.WriteString("<")
	sb.WriteString(el.tag)
	for _, a := range el.attrs {
		fmt.Fprintf(sb, " %s=%q", a.key, a.value)
	}
	sb.WriteString(">")
	sb.WriteString(el.text)
	for _, child := range el.children {
		writeElement(sb, child)
	}
	sb.WriteString("</")
	sb.WriteString(el.tag)
	sb.WriteString(">")
}
