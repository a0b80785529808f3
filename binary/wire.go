package binary

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal and Unmarshal turn a Node tree into bytes and back. The real
// client/server wire format is a bespoke binary-XML tokenization scheme;
// reproducing its token dictionaries is transport framing, which the
// messaging core explicitly treats as out of scope (spec Non-goals). This
// encoding is a self-consistent stand-in built on the same protowire
// primitives waproto uses, sufficient for the handler to round-trip a Node
// through a Socket.
func Marshal(n Node) ([]byte, error) {
	var b []byte
	b = protowire.AppendString(b, n.Tag)
	b = protowire.AppendVarint(b, uint64(len(n.Attrs)))
	for k, v := range n.Attrs {
		b = protowire.AppendString(b, k)
		b = protowire.AppendString(b, fmt.Sprint(v))
	}
	switch content := n.Content.(type) {
	case nil:
		b = protowire.AppendVarint(b, 0)
	case []byte:
		b = protowire.AppendVarint(b, 1)
		b = protowire.AppendBytes(b, content)
	case []Node:
		b = protowire.AppendVarint(b, 2)
		b = protowire.AppendVarint(b, uint64(len(content)))
		for _, child := range content {
			encoded, err := Marshal(child)
			if err != nil {
				return nil, err
			}
			b = protowire.AppendBytes(b, encoded)
		}
	default:
		return nil, fmt.Errorf("binary: unsupported content type %T on <%s>", content, n.Tag)
	}
	return b, nil
}

func Unmarshal(data []byte) (Node, error) {
	n, _, err := unmarshalNode(data)
	return n, err
}

func unmarshalNode(data []byte) (Node, int, error) {
	orig := data
	tag, n := protowire.ConsumeString(data)
	if n < 0 {
		return Node{}, 0, protowire.ParseError(n)
	}
	data = data[n:]

	attrCount, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return Node{}, 0, protowire.ParseError(n)
	}
	data = data[n:]

	var attrs Attrs
	if attrCount > 0 {
		attrs = make(Attrs, attrCount)
	}
	for i := uint64(0); i < attrCount; i++ {
		key, n := protowire.ConsumeString(data)
		if n < 0 {
			return Node{}, 0, protowire.ParseError(n)
		}
		data = data[n:]
		val, n := protowire.ConsumeString(data)
		if n < 0 {
			return Node{}, 0, protowire.ParseError(n)
		}
		data = data[n:]
		attrs[key] = val
	}

	kind, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return Node{}, 0, protowire.ParseError(n)
	}
	data = data[n:]

	node := Node{Tag: tag, Attrs: attrs}
	switch kind {
	case 0:
		// no content
	case 1:
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return Node{}, 0, protowire.ParseError(n)
		}
		data = data[n:]
		node.Content = v
	case 2:
		count, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return Node{}, 0, protowire.ParseError(n)
		}
		data = data[n:]
		children := make([]Node, 0, count)
		for i := uint64(0); i < count; i++ {
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Node{}, 0, protowire.ParseError(n)
			}
			data = data[n:]
			child, _, err := unmarshalNode(raw)
			if err != nil {
				return Node{}, 0, err
			}
			children = append(children, child)
		}
		node.Content = children
	default:
		return Node{}, 0, fmt.Errorf("binary: unknown content kind %d", kind)
	}
	return node, len(orig) - len(data), nil
}
