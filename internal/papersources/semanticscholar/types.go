package semanticscholar

type searchResponse struct {
	Total int           `json:"total"`
	Data  []paperResult `json:"data"`
}

type paperResult struct {
	PaperID         string         `json:"paperId"`
	Title           string         `json:"title"`
	Abstract        string         `json:"abstract"`
	Year            int            `json:"year"`
	PublicationDate string         `json:"publicationDate"`
	Venue           string         `json:"venue"`
	Authors         []authorResult `json:"authors"`
	CitationCount   int            `json:"citationCount"`
	IsOpenAccess    bool           `json:"isOpenAccess"`
	OpenAccessPDF   *struct {
		URL string `json:"url"`
	} `json:"openAccessPdf,omitempty"`
	ExternalIDs *struct {
		DOI   string `json:"DOI,omitempty"`
		ArXiv string `json:"ArXiv,omitempty"`
	} `json:"externalIds,omitempty"`
}

type authorResult struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
