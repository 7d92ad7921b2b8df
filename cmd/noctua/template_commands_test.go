package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTemplateCreateVariants(t *testing.T) {
	tempDir := t.TempDir()
	cmd := &command{}

	cases := []struct {
		name    string
		flags   TemplateCreateFlags
		wantErr bool
		check   func(t *testing.T, path string)
	}{
		{
			name:  "narrowband",
			flags: TemplateCreateFlags{Type: "narrowband", Scope: 3, Dir: filepath.Join(tempDir, "nb")},
			check: func(t *testing.T, path string) {
				content, err := os.ReadFile(path)
				if err != nil {
					t.Fatalf("read template: %v", err)
				}
				if !strings.Contains(string(content), "\"Ha\"") {
					t.Error("narrowband template should list the Ha filter")
				}
				var doc map[string]any
				if err := json.Unmarshal(content, &doc); err != nil {
					t.Errorf("template is not valid JSON: %v", err)
				}
				if _, ok := doc["Devices"]; !ok {
					t.Error("template should have a Devices section")
				}
			},
		},
		{
			name:  "photometry",
			flags: TemplateCreateFlags{Type: "photometry", Scope: 7, Dir: filepath.Join(tempDir, "phot")},
			check: func(t *testing.T, path string) {
				content, err := os.ReadFile(path)
				if err != nil {
					t.Fatalf("read template: %v", err)
				}
				if !strings.Contains(string(content), "\"BinX\": 2") {
					t.Error("photometry template should bin 2x2")
				}
			},
		},
		{
			name:    "unknown type",
			flags:   TemplateCreateFlags{Type: "spectroscopy", Scope: 3, Dir: tempDir},
			wantErr: true,
		},
		{
			name:    "scope must be positive",
			flags:   TemplateCreateFlags{Type: "minimal", Scope: 0, Dir: tempDir},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := cmd.TemplateCreate(tc.flags)
			if tc.wantErr {
				if err == nil {
					t.Fatal("TemplateCreate should have failed")
				}
				return
			}
			if err != nil {
				t.Fatalf("TemplateCreate: %v", err)
			}
			if tc.check != nil {
				tc.check(t, filepath.Join(tc.flags.Dir, fmt.Sprintf("%d_template.json", tc.flags.Scope)))
			}
		})
	}
}

func TestTemplateCreateForceOverwrite(t *testing.T) {
	tempDir := t.TempDir()
	cmd := &command{}

	flags := TemplateCreateFlags{Type: "broadband", Scope: 5, Dir: tempDir}
	if err := cmd.TemplateCreate(flags); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := cmd.TemplateCreate(flags)
	if err == nil {
		t.Fatal("second create without --force should fail")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("error should mention the existing file, got: %v", err)
	}

	flags.Force = true
	if err := cmd.TemplateCreate(flags); err != nil {
		t.Fatalf("create with --force: %v", err)
	}
}

func TestTemplateCreateMakesParentDirs(t *testing.T) {
	tempDir := t.TempDir()
	cmd := &command{}

	dir := filepath.Join(tempDir, "deep", "templates")
	if err := cmd.TemplateCreate(TemplateCreateFlags{Type: "minimal", Scope: 12, Dir: dir}); err != nil {
		t.Fatalf("TemplateCreate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "12_template.json")); err != nil {
		t.Fatalf("template file missing: %v", err)
	}
}
