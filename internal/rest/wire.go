package rest

// link is a hypermedia link as returned by the compute service.
type link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

func findLink(links []link, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

type contextSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type contextCollection struct {
	Items []contextSummary `json:"items"`
}

type sessionResource struct {
	ID    string `json:"id"`
	State string `json:"state,omitempty"`
	Links []link `json:"links,omitempty"`
}

type jobRequest struct {
	Code []string `json:"code"`
}

type jobResource struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Links []link `json:"links,omitempty"`
}

type logItem struct {
	Type string `json:"type"`
	Line string `json:"line"`
}

type logCollection struct {
	Items []logItem `json:"items"`
	Links []link    `json:"links"`
}

type resultItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	Links     []link `json:"links"`
}

type resultCollection struct {
	Items []resultItem `json:"items"`
}

// html reports whether the result item is an HTML artifact.
func (r resultItem) html() bool {
	switch r.Type {
	case "ODS", "ods", "html", "HTML":
		return true
	}
	return r.MediaType == "text/html"
}

func (r resultItem) contentHref() string {
	if href := findLink(r.Links, "content"); href != "" {
		return href
	}
	return findLink(r.Links, "self")
}
