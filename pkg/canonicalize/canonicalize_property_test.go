//go:build property
// +build property

package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: canonical bytes (and therefore hashes) are independent of map
// construction order and stable across repeated runs.
func TestJCSDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS(obj) is stable", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			a, err1 := JCS(obj)
			b, err2 := JCS(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("Hash(obj) matches HashBytes(JCS(obj))", prop.ForAll(
		func(key string, value string) bool {
			obj := map[string]string{key: value}
			h, err := Hash(obj)
			if err != nil {
				return false
			}
			b, err := JCS(obj)
			if err != nil {
				return false
			}
			return h == HashBytes(b)
		},
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
