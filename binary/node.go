// Package binary defines the stanza tree the messaging core assembles for
// outgoing traffic and walks for incoming traffic: a tag, a string-keyed
// attribute bag, and either child nodes, raw bytes, or nothing as content.
package binary

import (
	"fmt"
	"strconv"
	"strings"

	"wacore/types"
)

// Attrs is a stanza's attribute set: id="...", type="...", jid="...", etc.
type Attrs map[string]interface{}

// Node is one element of the stanza tree: <Tag Attrs...>Content</Tag>.
// Content is one of nil, []byte, or []Node.
type Node struct {
	Tag     string
	Attrs   Attrs
	Content interface{}
}

// GetChildren returns the node's []Node content, or nil if it has none.
func (n Node) GetChildren() []Node {
	children, ok := n.Content.([]Node)
	if !ok {
		return nil
	}
	return children
}

// GetChildrenByTag returns every direct child whose tag matches.
func (n Node) GetChildrenByTag(tag string) []Node {
	var out []Node
	for _, child := range n.GetChildren() {
		if child.Tag == tag {
			out = append(out, child)
		}
	}
	return out
}

// GetChildByTag returns the first direct child matching any of the given
// tags, or the zero Node if none match.
func (n Node) GetChildByTag(tags ...string) Node {
	for _, child := range n.GetChildren() {
		for _, tag := range tags {
			if child.Tag == tag {
				return child
			}
		}
	}
	return Node{}
}

// GetOptionalChildByTag is GetChildByTag with an explicit presence flag.
func (n Node) GetOptionalChildByTag(tags ...string) (Node, bool) {
	for _, child := range n.GetChildren() {
		for _, tag := range tags {
			if child.Tag == tag {
				return child, true
			}
		}
	}
	return Node{}, false
}

// ContentBytes returns the node's []byte content, or nil if it has none.
func (n Node) ContentBytes() []byte {
	b, _ := n.Content.([]byte)
	return b
}

// AttrGetter returns a typed accessor over this node's attributes, which
// accumulates the first error encountered across calls so a handler can read
// several attributes and check ag.OK() / ag.Error() once at the end.
func (n Node) AttrGetter() *AttrGetter {
	return &AttrGetter{attrs: n.Attrs, tag: n.Tag}
}

// XMLString renders the node tree in the same nested-tag shape the real wire
// format uses, for logging.
func (n Node) XMLString() string {
	var b strings.Builder
	writeXML(&b, n, 0)
	return b.String()
}

func writeXML(b *strings.Builder, n Node, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteByte('<')
	b.WriteString(n.Tag)
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%q", k, fmt.Sprint(n.Attrs[k]))
	}
	switch content := n.Content.(type) {
	case nil:
		b.WriteString("/>\n")
	case []byte:
		fmt.Fprintf(b, ">%d bytes</%s>\n", len(content), n.Tag)
	case []Node:
		if len(content) == 0 {
			b.WriteString("/>\n")
			return
		}
		b.WriteString(">\n")
		for _, child := range content {
			writeXML(b, child, depth+1)
		}
		b.WriteString(indent)
		b.WriteString("</")
		b.WriteString(n.Tag)
		b.WriteString(">\n")
	default:
		b.WriteString("/>\n")
	}
}

// AttrGetter reads typed values out of a Node's Attrs, latching the first
// error so callers can chain several reads before checking once.
type AttrGetter struct {
	attrs Attrs
	tag   string
	err   error
}

// OK reports whether every read so far succeeded.
func (ag *AttrGetter) OK() bool { return ag.err == nil }

// Error returns the first error encountered, or nil.
func (ag *AttrGetter) Error() error { return ag.err }

func (ag *AttrGetter) fail(key string, err error) {
	if ag.err == nil {
		ag.err = fmt.Errorf("failed to read attribute %q of <%s>: %w", key, ag.tag, err)
	}
}

func (ag *AttrGetter) String(key string) string {
	v, ok := ag.attrs[key]
	if !ok {
		ag.fail(key, fmt.Errorf("missing attribute"))
		return ""
	}
	s, ok := v.(string)
	if !ok {
		ag.fail(key, fmt.Errorf("attribute is %T, not a string", v))
		return ""
	}
	return s
}

func (ag *AttrGetter) OptionalString(key string) string {
	v, ok := ag.attrs[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (ag *AttrGetter) Int(key string) int {
	s := ag.String(key)
	if ag.err != nil {
		return 0
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		ag.fail(key, err)
		return 0
	}
	return i
}

func (ag *AttrGetter) OptionalInt(key string) int {
	s := ag.OptionalString(key)
	if s == "" {
		return 0
	}
	i, _ := strconv.Atoi(s)
	return i
}

func (ag *AttrGetter) Bool(key string) bool {
	return ag.OptionalString(key) == "true"
}

// JID parses the named attribute as a full JID.
func (ag *AttrGetter) JID(key string) types.JID {
	s := ag.String(key)
	if ag.err != nil {
		return types.EmptyJID
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		ag.fail(key, err)
		return types.EmptyJID
	}
	return jid
}

// OptionalJID is JID but returns (EmptyJID, false) if the attribute is absent
// rather than latching an error.
func (ag *AttrGetter) OptionalJID(key string) (types.JID, bool) {
	s := ag.OptionalString(key)
	if s == "" {
		return types.EmptyJID, false
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.EmptyJID, false
	}
	return jid, true
}

func (ag *AttrGetter) UnixTime(key string) int64 {
	s := ag.String(key)
	if ag.err != nil {
		return 0
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		ag.fail(key, err)
		return 0
	}
	return i
}
