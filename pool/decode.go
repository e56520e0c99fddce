package pool

import "github.com/mitchellh/mapstructure"

const maxPages = 50

// decode copies a generic JSON value into out using json tags. Pools are
// loose about number types, so weak typing is on.
func decode(in interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
