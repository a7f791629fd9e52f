package archiver

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
)

// xmlArchive is the reference tree-document backend: the literal
// `<archive>/<data>/...` shape, one element per archived value, element
// name encoding kind, with the common `key`/`id` attributes.
//
// Built on encoding/xml's token-level Encoder, the only way to emit an
// element whose *name* is chosen per node rather than fixed by a struct
// tag.
type xmlArchive struct {
	*treeArchive
}

const (
	xmlArchiveType    = "org.dsource.orange.xml"
	xmlArchiveVersion = "1.0.0"
)

// NewXMLArchive constructs the reference tree-document Archive backend.
func NewXMLArchive() Archive {
	x := &xmlArchive{}
	x.treeArchive = newTreeArchive(x.encodeXML, x.decodeXML)
	return x
}

func (x *xmlArchive) encodeXML(root *node) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	start := xml.StartElement{
		Name: xml.Name{Local: "archive"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: xmlArchiveType},
			{Name: xml.Name{Local: "version"}, Value: xmlArchiveVersion},
		},
	}
	if err := enc.EncodeToken(start); err != nil {
		return nil, err
	}
	if err := writeXMLNode(enc, root); err != nil {
		return nil, err
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeXMLNode(enc *xml.Encoder, n *node) error {
	start := xml.StartElement{Name: xml.Name{Local: n.Name}}
	attr := func(name, value string) {
		if value != "" {
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: value})
		}
	}
	attr("key", n.Key)
	if n.ID != nil {
		attr("id", strconv.FormatInt(int64(*n.ID), 10))
	}
	attr("type", n.Type)
	attr("runtimeType", n.RuntimeType)
	attr("baseKind", n.BaseKind)
	if n.Length != nil {
		attr("length", strconv.Itoa(*n.Length))
	}
	attr("keyType", n.KeyType)
	attr("valueType", n.ValueType)
	if n.Offset != nil {
		attr("offset", strconv.Itoa(*n.Offset))
	}
	if n.ArrayID != nil {
		attr("arrayId", strconv.FormatInt(int64(*n.ArrayID), 10))
	}
	if n.KeySpan != nil {
		attr("keySpan", strconv.Itoa(*n.KeySpan))
	}
	if n.Target != nil {
		attr("target", strconv.FormatInt(int64(*n.Target), 10))
		attr("targetKey", n.TargetKey)
	}

	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	text := n.Text
	if n.Name == "reference" && n.Ref != nil {
		text = strconv.FormatInt(int64(*n.Ref), 10)
	}
	if text == "" && n.Value != nil {
		s, err := PrimitiveToString(n.Value)
		if err != nil {
			return err
		}
		text = s
	}
	if text != "" {
		if err := enc.EncodeToken(xml.CharData([]byte(text))); err != nil {
			return err
		}
	}

	for _, c := range n.Children {
		if err := writeXMLNode(enc, c); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

func (x *xmlArchive) decodeXML(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var archiveStart *xml.StartElement
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			archiveStart = &se
			break
		}
	}
	if archiveStart == nil || archiveStart.Name.Local != "archive" {
		return nil, fmt.Errorf("archiver: missing <archive> root element")
	}

	// The first child element of <archive> is <data>; decode it into our
	// generic node tree.
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			n, err := readXMLNode(dec, se)
			if err != nil {
				return nil, err
			}
			return n, nil
		}
	}
}

func readXMLNode(dec *xml.Decoder, start xml.StartElement) (*node, error) {
	n := &node{Name: start.Name.Local}
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "key":
			n.Key = a.Value
		case "id":
			v, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("archiver: bad id attribute %q: %w", a.Value, err)
			}
			n.ID = idPtr(Id(v))
		case "type":
			n.Type = a.Value
		case "runtimeType":
			n.RuntimeType = a.Value
		case "baseKind":
			n.BaseKind = a.Value
		case "length":
			v, err := strconv.Atoi(a.Value)
			if err != nil {
				return nil, err
			}
			n.Length = intPtr(v)
		case "keyType":
			n.KeyType = a.Value
		case "valueType":
			n.ValueType = a.Value
		case "offset":
			v, err := strconv.Atoi(a.Value)
			if err != nil {
				return nil, err
			}
			n.Offset = intPtr(v)
		case "arrayId":
			v, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return nil, err
			}
			n.ArrayID = idPtr(Id(v))
		case "keySpan":
			v, err := strconv.Atoi(a.Value)
			if err != nil {
				return nil, err
			}
			n.KeySpan = intPtr(v)
		case "target":
			v, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return nil, err
			}
			n.Target = idPtr(Id(v))
		case "targetKey":
			n.TargetKey = a.Value
		}
	}

	var text bytes.Buffer
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			child, err := readXMLNode(dec, t)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case xml.EndElement:
			trimmed := bytes.TrimSpace(text.Bytes())
			if len(trimmed) > 0 {
				if n.Name == "reference" {
					v, err := strconv.ParseInt(string(trimmed), 10, 64)
					if err != nil {
						return nil, fmt.Errorf("archiver: bad reference target %q: %w", trimmed, err)
					}
					n.Ref = idPtr(Id(v))
				} else if n.Name == "string" {
					n.Text = string(trimmed)
				} else {
					parseKind := n.Name
					if n.Name == "enum" {
						parseKind = n.BaseKind
					}
					v, err := ParsePrimitive(parseKind, string(trimmed))
					if err != nil {
						return nil, err
					}
					n.Value = v
				}
			} else if n.Name == "string" {
				n.Text = ""
			}
			return n, nil
		}
	}
}
