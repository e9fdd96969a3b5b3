package archive

// dockerManifestItem is one entry of a docker-save manifest.json array, per
// the legacy layout documented by moby/moby's image/tarexport package and
// mirrored here without any of its legacy-ID or VERSION-file baggage (spec.md
// §4.C Non-goals: no legacy docker daemon compatibility, only the cache
// ingestion path).
type dockerManifestItem struct {
	Config       string   `json:"Config"`
	RepoTags     []string `json:"RepoTags"`
	Layers       []string `json:"Layers"`
	LayerSources map[string]struct {
		MediaType string `json:"mediaType"`
		Size      int64  `json:"size"`
		Digest    string `json:"digest"`
	} `json:"LayerSources,omitempty"`
}
