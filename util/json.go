package util

import "github.com/bytedance/sonic"

// MarshalJSON encodes v with sonic.
func MarshalJSON(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// UnmarshalJSON decodes data into v with sonic.
func UnmarshalJSON(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// MustMarshalString encodes v and returns it as a string; used for small
// payload maps that cannot fail to encode.
func MustMarshalString(v interface{}) string {
	b, err := sonic.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
