package serialization

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// JSONToProtoStruct converts an arbitrary JSON payload to a structpb.Struct,
// the generic protobuf container used when a job payload has no dedicated
// generated message type.
func JSONToProtoStruct(jsonData map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(jsonData)
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct: %w", err)
	}
	return s, nil
}

// ProtoStructToJSON converts a structpb.Struct back to a JSON-compatible map.
func ProtoStructToJSON(s *structpb.Struct) (map[string]interface{}, error) {
	return s.AsMap(), nil
}

// ToProtoMessage converts a raw JSON job payload into a protobuf message.
// Without a generated message for the job's type, payloads are carried as a
// generic structpb.Struct.
func ToProtoMessage(payload []byte) (interface{}, error) {
	var jsonData map[string]interface{}
	if err := json.Unmarshal(payload, &jsonData); err != nil {
		return nil, fmt.Errorf("failed to parse JSON payload: %w", err)
	}
	return JSONToProtoStruct(jsonData)
}

// FromProtoMessage converts a protobuf message back to a JSON payload.
func FromProtoMessage(msg interface{}) ([]byte, error) {
	switch v := msg.(type) {
	case *structpb.Struct:
		jsonMap, err := ProtoStructToJSON(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(jsonMap)
	default:
		return nil, fmt.Errorf("unsupported message type: %T", msg)
	}
}
