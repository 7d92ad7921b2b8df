package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateByType(t *testing.T) {
	generator := NewGenerator()

	cases := []struct {
		name         string
		templateType TemplateType
		wantErr      bool
		check        func(*testing.T, *SequenceTemplate)
	}{
		{
			name:         "narrowband",
			templateType: TypeNarrowband,
			check: func(t *testing.T, tpl *SequenceTemplate) {
				if tpl.Devices.FilterWheel == nil {
					t.Fatal("narrowband needs a filter wheel")
				}
				if got := tpl.Devices.FilterWheel.Filters; len(got) != 3 || got[0] != "Ha" {
					t.Errorf("unexpected filters: %v", got)
				}
				if tpl.Devices.Guider == nil || !tpl.Devices.Guider.Enabled {
					t.Error("narrowband should guide")
				}
				if tpl.Devices.Guider.DitherEveryNFrames != 1 {
					t.Errorf("narrowband should dither every frame, got %d", tpl.Devices.Guider.DitherEveryNFrames)
				}
			},
		},
		{
			name:         "broadband",
			templateType: TypeBroadband,
			check: func(t *testing.T, tpl *SequenceTemplate) {
				if tpl.Devices.FilterWheel == nil || len(tpl.Devices.FilterWheel.Filters) != 4 {
					t.Errorf("broadband should carry an LRGB wheel, got %+v", tpl.Devices.FilterWheel)
				}
				if tpl.Devices.Camera.Gain != 50 {
					t.Errorf("gain = %d, want 50", tpl.Devices.Camera.Gain)
				}
			},
		},
		{
			name:         "photometry",
			templateType: TypePhotometry,
			check: func(t *testing.T, tpl *SequenceTemplate) {
				if tpl.Devices.Guider == nil || tpl.Devices.Guider.Enabled {
					t.Error("photometry should not guide")
				}
				if tpl.Devices.Camera.BinX != 2 || tpl.Devices.Camera.BinY != 2 {
					t.Error("photometry should bin 2x2")
				}
				if tpl.Devices.Mount.MeridianFlip {
					t.Error("photometry should not flip at the meridian")
				}
			},
		},
		{
			name:         "minimal",
			templateType: TypeMinimal,
			check: func(t *testing.T, tpl *SequenceTemplate) {
				if tpl.Devices.FilterWheel != nil {
					t.Error("minimal should not configure a filter wheel")
				}
				if tpl.Devices.Guider != nil {
					t.Error("minimal should not configure a guider")
				}
				if tpl.Capture.SaveFormat != "FITS" {
					t.Errorf("save format = %s, want FITS", tpl.Capture.SaveFormat)
				}
			},
		},
		{
			name:         "unknown type is rejected",
			templateType: "spectroscopy",
			wantErr:      true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tpl, err := generator.Generate(tc.templateType)
			if tc.wantErr {
				if err == nil {
					t.Fatal("Generate should have failed")
				}
				return
			}
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if tpl == nil {
				t.Fatal("Generate returned a nil template")
			}
			if tpl.SchemaVersion != 1 {
				t.Errorf("schema version = %d, want 1", tpl.SchemaVersion)
			}
			if tc.check != nil {
				tc.check(t, tpl)
			}
		})
	}
}

func TestGenerateJSON(t *testing.T) {
	generator := NewGenerator()

	jsonData, err := generator.GenerateJSON(TypeNarrowband)
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(jsonData, &result); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if result["Devices"] == nil || result["Capture"] == nil {
		t.Errorf("missing top-level sections: %v", result)
	}
	// Targets and MetaData belong to the runner, never the template.
	if _, ok := result["Targets"]; ok {
		t.Error("template must not predefine Targets")
	}
	if !strings.Contains(string(jsonData), "\n") {
		t.Error("output should be indented for hand editing")
	}

	if _, err := generator.GenerateJSON("invalid"); err == nil {
		t.Error("GenerateJSON should reject unknown types")
	}
}

func TestWriteFileNamesAndGuards(t *testing.T) {
	generator := NewGenerator()
	dir := t.TempDir()

	path, err := generator.WriteFile(TypeBroadband, dir, 3)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if filepath.Base(path) != "3_template.json" {
		t.Errorf("file name = %s, want 3_template.json", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var tpl SequenceTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		t.Fatalf("written template is not valid JSON: %v", err)
	}

	// A second write must not clobber an operator-tuned template.
	if _, err := generator.WriteFile(TypeMinimal, dir, 3); err == nil {
		t.Error("WriteFile should refuse to overwrite")
	}
}

func TestSupportedTypes(t *testing.T) {
	generator := NewGenerator()
	types := generator.GetSupportedTypes()

	want := []string{"narrowband", "broadband", "photometry", "minimal"}
	if len(types) != len(want) {
		t.Fatalf("supported types = %v, want %d entries", types, len(want))
	}
	have := make(map[string]bool, len(types))
	for _, typ := range types {
		have[typ] = true
	}
	for _, w := range want {
		if !have[w] {
			t.Errorf("supported types missing %q: %v", w, types)
		}
	}
}

func TestTemplateAliases(t *testing.T) {
	generator := NewGenerator()

	aliases := map[TemplateType]TemplateType{
		TypeNB:     TypeNarrowband,
		TypeRGB:    TypeBroadband,
		TypeSurvey: TypePhotometry,
		TypeBasic:  TypeMinimal,
	}

	for alias, primary := range aliases {
		t.Run(string(alias), func(t *testing.T) {
			aliasTpl, err := generator.Generate(alias)
			if err != nil {
				t.Fatalf("Generate(%s): %v", alias, err)
			}
			primaryTpl, err := generator.Generate(primary)
			if err != nil {
				t.Fatalf("Generate(%s): %v", primary, err)
			}
			if aliasTpl.Devices.Camera != primaryTpl.Devices.Camera {
				t.Errorf("%s and %s generate different cameras", alias, primary)
			}
		})
	}
}
