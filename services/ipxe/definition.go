package ipxe

// CacheStrategy controls whether an artifact may be mirrored into the local
// object store before boot.
type CacheStrategy string

const (
	CacheUnspecified CacheStrategy = ""
	CacheAsNeeded    CacheStrategy = "cache_as_needed"
	CacheLocalOnly   CacheStrategy = "local_only"
	CacheRemoteOnly  CacheStrategy = "remote_only"
)

// Parameter is a single name/value pair for template substitution.
type Parameter struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Artifact is a downloadable boot component referenced by a definition. Its
// name doubles as a template placeholder which resolves to LocalURL when the
// artifact has been cached, and to URL otherwise.
type Artifact struct {
	Name          string        `json:"name" yaml:"name"`
	URL           string        `json:"url" yaml:"url"`
	SHA           string        `json:"sha,omitempty" yaml:"sha,omitempty"`
	AuthType      string        `json:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	AuthToken     string        `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	CacheStrategy CacheStrategy `json:"cache_strategy,omitempty" yaml:"cache_strategy,omitempty"`
	LocalURL      string        `json:"local_url,omitempty" yaml:"local_url,omitempty"`
}

// Definition is a concrete OS boot configuration supplied by a caller. Hash
// must equal the deterministic hash over the definition's content; the
// renderer recomputes it and hard-rejects a mismatch.
type Definition struct {
	ID           string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string      `json:"name" yaml:"name"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	Hash         string      `json:"hash" yaml:"hash"`
	TemplateName string      `json:"template_name" yaml:"template_name"`
	Parameters   []Parameter `json:"parameters" yaml:"parameters"`
	Artifacts    []Artifact  `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

func (d Definition) parameter(name string) (string, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

func (d Definition) artifact(name string) (Artifact, bool) {
	for _, a := range d.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}
