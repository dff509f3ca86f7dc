package helpers

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// ReflectParameters produces the JSON schema of v's type as a generic map, ready to be
// embedded into a tool description.
func ReflectParameters(reflector *jsonschema.Reflector, v interface{}) (map[string]interface{}, error) {
	if reflector == nil {
		reflector = &jsonschema.Reflector{
			DoNotReference:            true,
			AllowAdditionalProperties: false,
		}
	}
	schema := reflector.Reflect(v)
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal schema")
	}
	var ret map[string]interface{}
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal schema")
	}
	// the draft marker confuses some providers, drop it
	delete(ret, "$schema")
	return ret, nil
}

// DecodeArguments unmarshals raw JSON tool arguments into a T.
func DecodeArguments[T any](raw json.RawMessage) (T, error) {
	var ret T
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &ret); err != nil {
		return ret, errors.Wrap(err, "could not decode tool arguments")
	}
	return ret, nil
}
