package ipxe

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestNewCatalogRejectsMalformedTemplates(t *testing.T) {
	valid := Template{Name: "ok", Template: "#!ipxe\nboot\n"}

	cases := []struct {
		name      string
		templates []Template
		wantErr   string
	}{
		{
			name:      "empty catalog",
			templates: nil,
			wantErr:   "no templates",
		},
		{
			name:      "empty name",
			templates: []Template{{Name: "  ", Template: "boot"}},
			wantErr:   "empty name",
		},
		{
			name:      "empty body",
			templates: []Template{{Name: "bare", Template: "\n"}},
			wantErr:   "empty body",
		},
		{
			name:      "duplicate names",
			templates: []Template{valid, valid},
			wantErr:   "duplicate template name",
		},
		{
			name: "required and reserved overlap",
			templates: []Template{{
				Name:           "overlap",
				RequiredParams: []string{"url"},
				ReservedParams: []string{"url"},
				Template:       "chain {{url}}",
			}},
			wantErr: "both required and reserved",
		},
		{
			name: "required parameter without placeholder",
			templates: []Template{{
				Name:           "missing-required",
				RequiredParams: []string{"image_url"},
				Template:       "#!ipxe\nboot\n",
			}},
			wantErr: "missing placeholder",
		},
		{
			name: "reserved parameter without placeholder",
			templates: []Template{{
				Name:           "missing-reserved",
				ReservedParams: []string{"base_url"},
				Template:       "#!ipxe\nboot\n",
			}},
			wantErr: "missing placeholder",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCatalog(tc.templates)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `templates:
  - name: minimal
    description: smoke-test template
    required_params: [payload]
    reserved_params: [base_url]
    template: |
      #!ipxe
      set base_url {{base_url}}
      chain {{payload}}
      boot
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	tpl, ok := catalog.Get("minimal")
	if !ok {
		t.Fatal("template not loaded")
	}
	if !reflect.DeepEqual(tpl.RequiredParams, []string{"payload"}) {
		t.Errorf("RequiredParams = %v", tpl.RequiredParams)
	}
	if !strings.Contains(tpl.Template, "chain {{payload}}") {
		t.Errorf("body not preserved: %q", tpl.Template)
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultCatalog(t *testing.T) {
	catalog := DefaultCatalog()

	want := []string{"qcow-image", "ubuntu-autoinstall"}
	if got := catalog.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}

	for _, tpl := range catalog.Templates() {
		if !tpl.hasExtra() && tpl.Name == "qcow-image" {
			t.Errorf("template %q lost its extra slot", tpl.Name)
		}
		for _, reserved := range []string{"base_url", "console"} {
			if !tpl.reserved(reserved) {
				t.Errorf("template %q does not reserve %q", tpl.Name, reserved)
			}
		}
	}
}
