package ipxe

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// HashDefinition computes the deterministic content hash of a definition.
// It covers the template name, all parameters and the identity fields of all
// artifacts (name, url, sha, auth type, auth token). Cache strategy, local
// URL and the stored hash itself are deliberately excluded so that caching
// state never changes the definition's identity.
func HashDefinition(def Definition) string {
	h := sha256.New()
	h.Write([]byte(def.TemplateName))

	params := make([]Parameter, len(def.Parameters))
	copy(params, def.Parameters)
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	for _, p := range params {
		h.Write([]byte(p.Name))
		h.Write([]byte(p.Value))
	}

	artifacts := make([]Artifact, len(def.Artifacts))
	copy(artifacts, def.Artifacts)
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	for _, a := range artifacts {
		h.Write([]byte(a.Name))
		h.Write([]byte(a.URL))
		if a.SHA != "" {
			h.Write([]byte(a.SHA))
		}
		if a.AuthType != "" {
			h.Write([]byte(a.AuthType))
		}
		if a.AuthToken != "" {
			h.Write([]byte(a.AuthToken))
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
