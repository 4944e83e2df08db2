// Package countries embeds the ISO-3166 alpha-2 code table used to seed
// the country vertex collection and to label report rows.
package countries

import (
	_ "embed"
	"encoding/json"
)

//go:embed country_codes.json
var raw []byte

var codes map[string]string

func init() {
	if err := json.Unmarshal(raw, &codes); err != nil {
		panic(err)
	}
}

// Name returns the display name for an upper-case ISO-3166 alpha-2 code,
// or the empty string when the code is unknown.
func Name(code string) string { return codes[code] }

// Codes returns the full code → name table. Callers must not mutate it.
func Codes() map[string]string { return codes }
