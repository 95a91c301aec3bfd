// Package codec provides the serialization codecs used for envelope bodies.
// Bodies are JSON-compatible maps, so every codec must round-trip an open
// map[string]any.
package codec

import (
	"errors"
	"fmt"
)

var (
	ErrNotRegistered = errors.New("eventis: codec not registered")

	Default = JSON

	Names = []string{
		"json",
		"msgpack",
		"protobuf",
	}

	Registry = &codecRegistry{
		m: map[string]Codec{
			"json":     JSON,
			"msgpack":  MsgPack,
			"protobuf": ProtoBuf,
		},
	}
)

type codecRegistry struct {
	m map[string]Codec
}

func (c *codecRegistry) Get(name string) (Codec, error) {
	x, ok := c.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return x, nil
}

type Codec interface {
	Name() string
	Marshal(interface{}) ([]byte, error)
	Unmarshal([]byte, interface{}) error
}
