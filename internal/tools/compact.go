package tools

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CompactLimits bounds what a tool result may feed back into the model
// context.
type CompactLimits struct {
	MaxBytes int
	MaxRows  int
}

// Compact trims a raw tool result for model consumption. Tabular results
// (an object with a "rows" array) are row-truncated first; anything still
// over the byte budget is cut at the budget with a truncation marker.
// The raw result is left untouched for clients.
func Compact(raw json.RawMessage, limits CompactLimits) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	out := raw

	if limits.MaxRows > 0 {
		rows := gjson.GetBytes(out, "rows")
		if rows.IsArray() {
			n := int(gjson.GetBytes(out, "rows.#").Int())
			if n > limits.MaxRows {
				kept := make([]json.RawMessage, 0, limits.MaxRows)
				rows.ForEach(func(_, row gjson.Result) bool {
					if len(kept) >= limits.MaxRows {
						return false
					}
					kept = append(kept, json.RawMessage(row.Raw))
					return true
				})
				out, _ = sjson.SetBytes(out, "rows", kept)
				out, _ = sjson.SetBytes(out, "meta.truncated", true)
				out, _ = sjson.SetBytes(out, "meta.total_rows", n)
				out, _ = sjson.SetBytes(out, "meta.returned_rows", limits.MaxRows)
			}
		}
	}

	if limits.MaxBytes > 0 && len(out) > limits.MaxBytes {
		// Back off to a rune boundary so the preview never ends in a
		// mangled multi-byte character.
		cut := limits.MaxBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		note, _ := json.Marshal(map[string]any{
			"truncated":  true,
			"total_size": len(out),
			"preview":    string(out[:cut]),
		})
		return note
	}
	return out
}
