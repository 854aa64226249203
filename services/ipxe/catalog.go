package ipxe

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is a named boot-script template. Placeholders use {{name}} syntax;
// the optional {{extra}} placeholder collects parameters the template does
// not name explicitly.
type Template struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	RequiredParams []string `yaml:"required_params"`
	ReservedParams []string `yaml:"reserved_params"`
	Template       string   `yaml:"template"`
}

func (t Template) hasExtra() bool { return strings.Contains(t.Template, placeholder("extra")) }

func (t Template) reserved(name string) bool {
	for _, r := range t.ReservedParams {
		if r == name {
			return true
		}
	}
	return false
}

// declared reports whether name is a required or reserved parameter of t.
func (t Template) declared(name string) bool {
	for _, r := range t.RequiredParams {
		if r == name {
			return true
		}
	}
	return t.reserved(name)
}

// Catalog is the immutable set of templates loaded once at process start.
type Catalog struct {
	templates map[string]Template
}

type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadCatalog reads a template catalog from a YAML file and validates it
// eagerly. Any malformed entry is an error; there is no partial load.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(file.Templates)
}

// NewCatalog validates the provided templates and builds an immutable catalog.
func NewCatalog(templates []Template) (*Catalog, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("catalog contains no templates")
	}

	byName := make(map[string]Template, len(templates))
	for _, tpl := range templates {
		if err := validateTemplate(tpl); err != nil {
			return nil, err
		}
		if _, dup := byName[tpl.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate template name %q", tpl.Name)
		}
		byName[tpl.Name] = tpl
	}
	return &Catalog{templates: byName}, nil
}

func validateTemplate(tpl Template) error {
	if strings.TrimSpace(tpl.Name) == "" {
		return fmt.Errorf("catalog: template with empty name")
	}
	if strings.TrimSpace(tpl.Template) == "" {
		return fmt.Errorf("catalog: template %q has an empty body", tpl.Name)
	}
	for _, required := range tpl.RequiredParams {
		if tpl.reserved(required) {
			return fmt.Errorf("catalog: template %q declares %q as both required and reserved", tpl.Name, required)
		}
		if !strings.Contains(tpl.Template, placeholder(required)) {
			return fmt.Errorf("catalog: template %q body is missing placeholder for required parameter %q", tpl.Name, required)
		}
	}
	for _, reserved := range tpl.ReservedParams {
		if !strings.Contains(tpl.Template, placeholder(reserved)) {
			return fmt.Errorf("catalog: template %q body is missing placeholder for reserved parameter %q", tpl.Name, reserved)
		}
	}
	return nil
}

// Get returns a template by name.
func (c *Catalog) Get(name string) (Template, bool) {
	tpl, ok := c.templates[name]
	return tpl, ok
}

// Names returns the sorted names of all templates in the catalog.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Templates returns all templates, sorted by name.
func (c *Catalog) Templates() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, name := range c.Names() {
		out = append(out, c.templates[name])
	}
	return out
}

func placeholder(name string) string { return "{{" + name + "}}" }

// DefaultCatalog returns the built-in templates used when no catalog file is
// configured.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog([]Template{qcowImageTemplate, ubuntuAutoinstallTemplate})
	if err != nil {
		// The built-ins are validated by catalog tests; failure here means
		// the binary itself is broken.
		panic(err)
	}
	return catalog
}

var qcowImageTemplate = Template{
	Name:           "qcow-image",
	Description:    "Template for booting qcow images using qcow-imager.efi",
	RequiredParams: []string{"image_url"},
	ReservedParams: []string{"base_url", "console"},
	Template: `#!ipxe
# Generic multi-platform template iPXE script for qcow images

# Detect architecture using buildarch.
iseq ${buildarch} x86_64 && set arch x86_64 ||
iseq ${buildarch} arm64  && set arch aarch64 || set arch unknown

iseq ${arch} unknown && echo "Unsupported architecture!" && exit 1

set base_url {{base_url}}
set console {{console}}

chain ${base_url}/internal/${buildarch}/qcow-imager.efi loglevel=7 console=tty0 pci=realloc=off console={{console}} image_url={{image_url}} {{extra}}
boot
`,
}

var ubuntuAutoinstallTemplate = Template{
	Name:           "ubuntu-autoinstall",
	Description:    "Template for Ubuntu autoinstall",
	RequiredParams: []string{"kernel", "initrd", "install_iso"},
	ReservedParams: []string{"base_url", "console"},
	Template: `#!ipxe
# Ubuntu autoinstall template

set base_url {{base_url}}
set console {{console}}

kernel {{kernel}} ip=dhcp url={{install_iso}} autoinstall ds=nocloud-net;s=${base_url}/user-data/ console={{console}}
initrd {{initrd}}
boot
`,
}
