package main

import (
	"encoding/json"
	"os"
)

// printJSON renders v as indented JSON on stdout for the CLI query commands.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
