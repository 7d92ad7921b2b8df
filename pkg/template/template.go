// Package template generates starter sequence templates for an observatory.
// The runner fills a per-scope template with the night's target; this package
// produces sensible starting points for common imaging setups so a new site
// does not begin from an empty file.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TemplateType selects the imaging preset to generate
type TemplateType string

const (
	TypeNarrowband TemplateType = "narrowband"
	TypeNB         TemplateType = "nb"
	TypeBroadband  TemplateType = "broadband"
	TypeRGB        TemplateType = "rgb"
	TypePhotometry TemplateType = "photometry"
	TypeSurvey     TemplateType = "survey"
	TypeMinimal    TemplateType = "minimal"
	TypeBasic      TemplateType = "basic"
)

// CameraConfig sets sensor defaults baked into every generated sequence
type CameraConfig struct {
	Gain        int     `json:"Gain"`
	Offset      int     `json:"Offset"`
	BinX        int     `json:"BinX"`
	BinY        int     `json:"BinY"`
	CoolTargetC float64 `json:"CoolTargetC"`
}

// FilterWheelConfig lists the installed filters in wheel order
type FilterWheelConfig struct {
	Filters []string `json:"Filters"`
}

// MountConfig controls slewing and flip behavior
type MountConfig struct {
	SettleSeconds int  `json:"SettleSeconds"`
	MeridianFlip  bool `json:"MeridianFlip"`
}

// GuiderConfig controls autoguiding and dithering
type GuiderConfig struct {
	Enabled            bool    `json:"Enabled"`
	DitherEveryNFrames int     `json:"DitherEveryNFrames,omitempty"`
	SettlePixels       float64 `json:"SettlePixels,omitempty"`
}

// FocuserConfig controls when autofocus runs during the sequence
type FocuserConfig struct {
	AutoFocusOnFilterChange bool `json:"AutoFocusOnFilterChange"`
	AutoFocusEveryNMinutes  int  `json:"AutoFocusEveryNMinutes,omitempty"`
}

// Devices groups the equipment sections of a sequence template
type Devices struct {
	Camera      CameraConfig       `json:"Camera"`
	FilterWheel *FilterWheelConfig `json:"FilterWheel,omitempty"`
	Mount       MountConfig        `json:"Mount"`
	Guider      *GuiderConfig      `json:"Guider,omitempty"`
	Focuser     *FocuserConfig     `json:"Focuser,omitempty"`
}

// CaptureConfig sets frame capture defaults
type CaptureConfig struct {
	ImageType             string `json:"ImageType"`
	SaveFormat            string `json:"SaveFormat"`
	DelayBetweenFramesSec int    `json:"DelayBetweenFramesSec"`
}

// SequenceTemplate is the device schema the runner merges targets into.
// The runner adds Targets and MetaData at build time; everything here
// passes through untouched.
type SequenceTemplate struct {
	SchemaVersion int           `json:"SchemaVersion"`
	Devices       Devices       `json:"Devices"`
	Capture       CaptureConfig `json:"Capture"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a sequence template for the specified imaging preset
func (g *Generator) Generate(templateType TemplateType) (*SequenceTemplate, error) {
	switch templateType {
	case TypeNarrowband, TypeNB:
		return g.narrowbandTemplate(), nil
	case TypeBroadband, TypeRGB:
		return g.broadbandTemplate(), nil
	case TypePhotometry, TypeSurvey:
		return g.photometryTemplate(), nil
	case TypeMinimal, TypeBasic:
		return g.minimalTemplate(), nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: narrowband, broadband, photometry, minimal)", templateType)
	}
}

// GenerateJSON creates an indented JSON representation of the template
func (g *Generator) GenerateJSON(templateType TemplateType) ([]byte, error) {
	template, err := g.Generate(templateType)
	if err != nil {
		return nil, err
	}
	jsonData, err := json.MarshalIndent(template, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return jsonData, nil
}

// WriteFile generates a template and writes it where the runner looks for it:
// <dir>/<scopeID>_template.json. An existing file is not overwritten.
func (g *Generator) WriteFile(templateType TemplateType, dir string, scopeID int) (string, error) {
	data, err := g.GenerateJSON(templateType)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create template dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_template.json", scopeID))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("template %s already exists", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write template: %w", err)
	}
	return path, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeNarrowband),
		string(TypeBroadband),
		string(TypePhotometry),
		string(TypeMinimal),
	}
}

func (g *Generator) narrowbandTemplate() *SequenceTemplate {
	return &SequenceTemplate{
		SchemaVersion: 1,
		Devices: Devices{
			Camera:      CameraConfig{Gain: 100, Offset: 10, BinX: 1, BinY: 1, CoolTargetC: -10},
			FilterWheel: &FilterWheelConfig{Filters: []string{"Ha", "OIII", "SII"}},
			Mount:       MountConfig{SettleSeconds: 5, MeridianFlip: true},
			Guider:      &GuiderConfig{Enabled: true, DitherEveryNFrames: 1, SettlePixels: 1.5},
			Focuser:     &FocuserConfig{AutoFocusOnFilterChange: true, AutoFocusEveryNMinutes: 90},
		},
		Capture: CaptureConfig{ImageType: "LIGHT", SaveFormat: "FITS", DelayBetweenFramesSec: 2},
	}
}

func (g *Generator) broadbandTemplate() *SequenceTemplate {
	return &SequenceTemplate{
		SchemaVersion: 1,
		Devices: Devices{
			Camera:      CameraConfig{Gain: 50, Offset: 10, BinX: 1, BinY: 1, CoolTargetC: -10},
			FilterWheel: &FilterWheelConfig{Filters: []string{"L", "R", "G", "B"}},
			Mount:       MountConfig{SettleSeconds: 5, MeridianFlip: true},
			Guider:      &GuiderConfig{Enabled: true, DitherEveryNFrames: 3, SettlePixels: 1.5},
			Focuser:     &FocuserConfig{AutoFocusOnFilterChange: true, AutoFocusEveryNMinutes: 60},
		},
		Capture: CaptureConfig{ImageType: "LIGHT", SaveFormat: "FITS", DelayBetweenFramesSec: 1},
	}
}

func (g *Generator) photometryTemplate() *SequenceTemplate {
	// Photometry wants unguided consistency over depth: no dither, fixed focus.
	return &SequenceTemplate{
		SchemaVersion: 1,
		Devices: Devices{
			Camera:      CameraConfig{Gain: 0, Offset: 10, BinX: 2, BinY: 2, CoolTargetC: -15},
			FilterWheel: &FilterWheelConfig{Filters: []string{"V", "B"}},
			Mount:       MountConfig{SettleSeconds: 10, MeridianFlip: false},
			Guider:      &GuiderConfig{Enabled: false},
			Focuser:     &FocuserConfig{AutoFocusOnFilterChange: false},
		},
		Capture: CaptureConfig{ImageType: "LIGHT", SaveFormat: "FITS", DelayBetweenFramesSec: 0},
	}
}

func (g *Generator) minimalTemplate() *SequenceTemplate {
	return &SequenceTemplate{
		SchemaVersion: 1,
		Devices: Devices{
			Camera: CameraConfig{Gain: 100, Offset: 10, BinX: 1, BinY: 1, CoolTargetC: 0},
			Mount:  MountConfig{SettleSeconds: 5, MeridianFlip: true},
		},
		Capture: CaptureConfig{ImageType: "LIGHT", SaveFormat: "FITS", DelayBetweenFramesSec: 0},
	}
}
