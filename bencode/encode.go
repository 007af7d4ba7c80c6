package bencode

import (
	"fmt"
	"sort"
	"strings"
)

// EncodeValue encodes value as a bencoded string. Supported types are int,
// string, []any and map[string]any; dictionary keys are emitted in sorted
// order as the format requires.
func EncodeValue(value any) (string, error) {
	switch v := value.(type) {
	case int:
		return fmt.Sprintf("i%de", v), nil

	case string:
		return fmt.Sprintf("%d:%s", len(v), v), nil

	case []any:
		{
			var builder strings.Builder
			builder.WriteByte('l')

			for index, entry := range v {
				encoded, err := EncodeValue(entry)

				if err != nil {
					return "", fmt.Errorf("failed to encode list entry at index %d: %w", index, err)
				}

				builder.WriteString(encoded)
			}

			builder.WriteByte('e')
			return builder.String(), nil
		}

	case map[string]any:
		{
			keys := make([]string, 0, len(v))

			for key := range v {
				keys = append(keys, key)
			}

			sort.Strings(keys)

			var builder strings.Builder
			builder.WriteByte('d')

			for _, key := range keys {
				encodedKey, err := EncodeValue(key)

				if err != nil {
					return "", err
				}

				encodedValue, err := EncodeValue(v[key])

				if err != nil {
					return "", fmt.Errorf("failed to encode value for dictionary key '%s': %w", key, err)
				}

				builder.WriteString(encodedKey)
				builder.WriteString(encodedValue)
			}

			builder.WriteByte('e')
			return builder.String(), nil
		}

	default:
		return "", fmt.Errorf("cannot encode unsupported type '%T'", value)
	}
}
