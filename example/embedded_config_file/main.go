package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/noctua-obs/noctua"
)

// This example loads a TOML config file and wires the full runner using the
// public noctua facade, then prints what the loop would see without starting
// it: the loaded site, the night state and the initial snapshot.
func main() {
	// Use the sample config in the repo (adjust path if running from a different cwd)
	cfgPath := filepath.Join("config", "config.toml")

	cfg, err := noctua.LoadConfig(cfgPath)
	if err != nil {
		panic(err)
	}
	fmt.Printf("Site %q (scope %d) at %.2f, %.2f\n",
		cfg.Site.Name, cfg.Site.ScopeID, cfg.Site.Latitude, cfg.Site.Longitude)
	fmt.Println("Journal:", cfg.Journal.DSN)
	fmt.Println("Sequences:", cfg.Imaging.SequenceDir)

	r, err := noctua.NewRunner(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = r.Close() }()

	fmt.Println("Night now:", r.IsNightNow())

	b, _ := json.MarshalIndent(r.Snapshot(), "", "  ")
	fmt.Println(string(b))
	fmt.Println("Call r.Run(ctx) to start the observing loop.")
}
