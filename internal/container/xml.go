// Copyright 2025 James Ross
package container

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// ToXML renders the container as XML. Element names equal value names;
// a kind attribute carries the stored kind.
func (c *ValueContainer) ToXML() (string, error) {
	values, err := c.Values()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("<container>")
	b.WriteString("<header>")
	writeXMLField(&b, "source_id", c.header.SourceID)
	writeXMLField(&b, "source_sub_id", c.header.SourceSubID)
	writeXMLField(&b, "target_id", c.header.TargetID)
	writeXMLField(&b, "target_sub_id", c.header.TargetSubID)
	writeXMLField(&b, "message_type", c.header.MessageType)
	writeXMLField(&b, "version", c.header.Version)
	b.WriteString("</header>")
	b.WriteString("<values>")
	for _, v := range values {
		if err := valueToXML(&b, v); err != nil {
			return "", err
		}
	}
	b.WriteString("</values>")
	b.WriteString("</container>")
	return b.String(), nil
}

func writeXMLField(b *strings.Builder, name, value string) {
	b.WriteString("<" + name + ">")
	xmlEscape(b, value)
	b.WriteString("</" + name + ">")
}

func valueToXML(b *strings.Builder, v *Value) error {
	name := xmlElementName(v.name)
	fmt.Fprintf(b, "<%s kind=%q>", name, v.kind.String())
	switch v.kind {
	case KindNull:
	case KindBytes:
		b.WriteString(base64.StdEncoding.EncodeToString(v.data))
	case KindBool:
		b.WriteString(strconv.FormatBool(v.data[0] != 0))
	case KindString:
		xmlEscape(b, string(v.data))
	case KindContainer:
		for _, ch := range v.children {
			if err := valueToXML(b, ch); err != nil {
				return err
			}
		}
	case KindFloat32, KindFloat64:
		f, err := v.ToFloat64()
		if err != nil {
			return err
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case KindUint64:
		u, err := v.ToUint64()
		if err != nil {
			return err
		}
		b.WriteString(strconv.FormatUint(u, 10))
	default:
		n, err := v.ToInt64()
		if err != nil {
			return err
		}
		b.WriteString(strconv.FormatInt(n, 10))
	}
	fmt.Fprintf(b, "</%s>", name)
	return nil
}

func xmlEscape(b *strings.Builder, s string) {
	_ = xml.EscapeText(b, []byte(s))
}

// xmlElementName sanitizes a value name into a legal XML element name.
func xmlElementName(name string) string {
	if name == "" {
		return "value"
	}
	var b strings.Builder
	for i, r := range name {
		ok := r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(i > 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')))
		if ok {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
