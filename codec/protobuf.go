package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ProtoBuf Codec = &protobufCodec{}
)

// protobufCodec encodes JSON-compatible maps as a protobuf Struct. Values
// survive with JSON semantics, i.e. all numbers decode as float64.
type protobufCodec struct{}

func (*protobufCodec) Name() string {
	return "protobuf"
}

func (*protobufCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("protobuf codec: expected map[string]interface{}, got %T", v)
	}

	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("protobuf codec: %w", err)
	}

	return proto.Marshal(st)
}

func (*protobufCodec) Unmarshal(b []byte, v interface{}) error {
	m, ok := v.(*map[string]interface{})
	if !ok {
		return fmt.Errorf("protobuf codec: expected *map[string]interface{}, got %T", v)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("protobuf codec: %w", err)
	}

	*m = st.AsMap()
	return nil
}
