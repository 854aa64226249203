package ipxe

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{[^{}]+\}\}`)

// Renderer turns validated OS definitions into boot scripts using the
// template catalog. It performs literal placeholder substitution only; no
// script evaluation of any kind.
type Renderer struct {
	catalog *Catalog
}

// NewRenderer creates a Renderer over an immutable catalog.
func NewRenderer(catalog *Catalog) (*Renderer, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	return &Renderer{catalog: catalog}, nil
}

// Catalog exposes the renderer's template catalog for read-only use.
func (r *Renderer) Catalog() *Catalog { return r.catalog }

// Validate checks a definition against its template. It rejects reserved
// parameters supplied by the caller, missing or empty required parameters,
// unknown parameters when the template has no {{extra}} slot, and any
// definition whose stored hash differs from the recomputed one.
func (r *Renderer) Validate(def Definition) error {
	tpl, ok := r.catalog.Get(def.TemplateName)
	if !ok {
		return &TemplateNotFoundError{Name: def.TemplateName}
	}

	for _, p := range def.Parameters {
		if tpl.reserved(p.Name) {
			return &ValidationError{Param: p.Name, Reason: "reserved parameter must not appear in the definition"}
		}
	}
	for _, a := range def.Artifacts {
		if tpl.reserved(a.Name) {
			return &ValidationError{Param: a.Name, Reason: "reserved parameter must not be shadowed by an artifact"}
		}
	}

	for _, required := range tpl.RequiredParams {
		if value, ok := def.parameter(required); ok && value != "" {
			continue
		}
		if _, ok := def.artifact(required); ok {
			continue
		}
		return &ValidationError{Param: required, Reason: "required parameter missing or empty"}
	}

	if !tpl.hasExtra() {
		for _, p := range def.Parameters {
			if !tpl.declared(p.Name) {
				return &ValidationError{Param: p.Name, Reason: "template does not accept extra parameters"}
			}
		}
	}

	computed := HashDefinition(def)
	if computed != def.Hash {
		return &HashMismatchError{Expected: def.Hash, Actual: computed}
	}
	return nil
}

// Render produces the final boot script for a definition. reserved holds the
// values for the template's reserved parameters; those come only from the
// caller, never from the definition. Artifact placeholders resolve to the
// cached local URL when present and to the origin URL otherwise.
func (r *Renderer) Render(def Definition, reserved []Parameter) (string, error) {
	if err := r.Validate(def); err != nil {
		return "", err
	}

	// Cannot fail after Validate.
	tpl, _ := r.catalog.Get(def.TemplateName)

	values := make(map[string]string, len(def.Parameters)+len(def.Artifacts)+len(reserved))
	for _, p := range def.Parameters {
		values[p.Name] = p.Value
	}
	for _, a := range def.Artifacts {
		url := a.URL
		if a.LocalURL != "" {
			url = a.LocalURL
		}
		values[a.Name] = url
	}
	// Reserved values win over anything else.
	for _, p := range reserved {
		values[p.Name] = p.Value
	}

	script := tpl.Template
	for name, value := range values {
		script = strings.ReplaceAll(script, placeholder(name), value)
	}

	if tpl.hasExtra() {
		script = strings.ReplaceAll(script, placeholder("extra"), extraArgs(def, tpl))
	}

	script = tidyScript(script)

	if leftovers := placeholderPattern.FindAllString(script, -1); len(leftovers) > 0 {
		return "", &UnresolvedPlaceholderError{Placeholders: dedupe(leftovers)}
	}
	return script, nil
}

// extraArgs collects the definition parameters the template does not declare
// into space-separated key=value pairs for the {{extra}} slot. Parameters
// with empty values and parameters shadowing artifact names are skipped.
func extraArgs(def Definition, tpl Template) string {
	var parts []string
	for _, p := range def.Parameters {
		if p.Value == "" || tpl.declared(p.Name) {
			continue
		}
		if _, isArtifact := def.artifact(p.Name); isArtifact {
			continue
		}
		parts = append(parts, p.Name+"="+p.Value)
	}
	return strings.Join(parts, " ")
}

// tidyScript collapses runs of spaces and strips trailing whitespace per
// line, so an empty {{extra}} slot leaves no gap in the boot command.
func tidyScript(script string) string {
	for strings.Contains(script, "  ") {
		script = strings.ReplaceAll(script, "  ", " ")
	}
	lines := strings.Split(script, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// FabricateLocalURLs fills in predictable local URLs for artifacts that may
// be cached but have none assigned yet. Remote-only artifacts and URLs that
// already reference a boot-time variable are left untouched.
func FabricateLocalURLs(def Definition) Definition {
	out := def
	out.Artifacts = make([]Artifact, len(def.Artifacts))
	copy(out.Artifacts, def.Artifacts)

	for i := range out.Artifacts {
		a := &out.Artifacts[i]
		if a.CacheStrategy == CacheRemoteOnly || a.LocalURL != "" || strings.Contains(a.URL, "${") {
			continue
		}
		if a.SHA != "" {
			a.LocalURL = "${base_url}/artifacts/" + a.Name + "-" + a.SHA
		} else {
			a.LocalURL = "${base_url}/artifacts/" + a.Name
		}
	}
	return out
}
