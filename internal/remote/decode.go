package remote

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Decode copies a document read from the channel into out, matching fields
// by their json tags. Numbers decode into any integer or float field.
func Decode(v any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("remote: decode document: %w", err)
	}
	return nil
}
