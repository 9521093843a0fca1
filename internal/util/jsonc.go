package util

import (
	"encoding/json"
	"os"

	"github.com/tailscale/hujson"
)

// DecodeJSONC decodes JSON that may carry comments or trailing commas, as
// hand-edited engine configs often do.
func DecodeJSONC(data []byte, out any) error {
	std, err := hujson.Standardize(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(std, out)
}

// DecodeJSONCFile reads path and decodes it with DecodeJSONC.
func DecodeJSONCFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return DecodeJSONC(data, out)
}
