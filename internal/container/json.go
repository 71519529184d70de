// Copyright 2025 James Ross
package container

import (
	"encoding/base64"
	"encoding/json"
)

type jsonHeader struct {
	SourceID    string `json:"source_id"`
	SourceSubID string `json:"source_sub_id"`
	TargetID    string `json:"target_id"`
	TargetSubID string `json:"target_sub_id"`
	MessageType string `json:"message_type"`
	Version     string `json:"version"`
}

type jsonValue struct {
	Name     string      `json:"name"`
	Kind     string      `json:"kind"`
	Data     interface{} `json:"data,omitempty"`
	Children []jsonValue `json:"children,omitempty"`
}

type jsonContainer struct {
	Header jsonHeader  `json:"header"`
	Values []jsonValue `json:"values"`
}

// ToJSON renders the container as a JSON document: a header object plus
// an ordered values array. Bytes become base64, containers carry a
// children array.
func (c *ValueContainer) ToJSON() (string, error) {
	values, err := c.Values()
	if err != nil {
		return "", err
	}
	doc := jsonContainer{
		Header: jsonHeader{
			SourceID:    c.header.SourceID,
			SourceSubID: c.header.SourceSubID,
			TargetID:    c.header.TargetID,
			TargetSubID: c.header.TargetSubID,
			MessageType: c.header.MessageType,
			Version:     c.header.Version,
		},
		Values: make([]jsonValue, 0, len(values)),
	}
	for _, v := range values {
		jv, err := valueToJSON(v)
		if err != nil {
			return "", err
		}
		doc.Values = append(doc.Values, jv)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func valueToJSON(v *Value) (jsonValue, error) {
	jv := jsonValue{Name: v.name, Kind: v.kind.String()}
	switch v.kind {
	case KindNull:
		jv.Data = nil
	case KindBytes:
		jv.Data = base64.StdEncoding.EncodeToString(v.data)
	case KindBool:
		jv.Data = v.data[0] != 0
	case KindString:
		jv.Data = string(v.data)
	case KindContainer:
		jv.Children = make([]jsonValue, 0, len(v.children))
		for _, ch := range v.children {
			c, err := valueToJSON(ch)
			if err != nil {
				return jsonValue{}, err
			}
			jv.Children = append(jv.Children, c)
		}
	case KindFloat32, KindFloat64:
		f, err := v.ToFloat64()
		if err != nil {
			return jsonValue{}, err
		}
		jv.Data = f
	case KindUint64:
		u, err := v.ToUint64()
		if err != nil {
			return jsonValue{}, err
		}
		jv.Data = u
	default:
		n, err := v.ToInt64()
		if err != nil {
			return jsonValue{}, err
		}
		jv.Data = n
	}
	return jv, nil
}
