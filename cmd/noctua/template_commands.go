package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/noctua-obs/noctua/pkg/template"
)

// TemplateCreateFlags holds flags for the template command
type TemplateCreateFlags struct {
	Type  string
	Scope int
	Dir   string
	Force bool
}

// TemplateCreate creates a starter sequence template for a scope
func (c *command) TemplateCreate(f TemplateCreateFlags) error {
	if f.Scope <= 0 {
		return fmt.Errorf("scope id must be positive")
	}

	dir := f.Dir
	if dir == "" {
		dir = "templates"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create templates directory: %w", err)
	}

	// The runner resolves templates by scope id, so the file name is fixed
	outputPath := filepath.Join(dir, fmt.Sprintf("%d_template.json", f.Scope))

	// Check if file already exists and force flag not set
	if _, err := os.Stat(outputPath); err == nil && !f.Force {
		return fmt.Errorf("template file '%s' already exists (use --force to overwrite)", outputPath)
	}

	// Generate template content based on type
	generator := template.NewGenerator()
	templateContent, err := generator.GenerateJSON(template.TemplateType(f.Type))
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}

	// Write template file
	if err := os.WriteFile(outputPath, templateContent, 0o644); err != nil {
		return fmt.Errorf("failed to write template file: %w", err)
	}

	fmt.Printf("Template '%s' created: %s\n", f.Type, outputPath)
	fmt.Printf("Point [imaging].template_dir at %s and edit the devices to match the rig.\n", dir)
	return nil
}
