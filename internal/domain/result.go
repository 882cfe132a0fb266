package domain

import (
	"encoding/json"
	"fmt"
)

// StageResult is the closed set of stage outcomes stored on a completed task.
type StageResult interface {
	Kind() StageKind
	isStageResult()
}

// FetchState distinguishes a dependent collection that was fetched and found
// empty from one whose fetch failed.
type FetchState string

// Fetch states.
const (
	FetchOK    FetchState = "ok"
	FetchEmpty FetchState = "empty"
	FetchError FetchState = "error"
)

// Fetched carries a dependent collection together with the error, if any,
// encountered while producing it. A failed fetch is never reported as an
// empty collection.
type Fetched[T any] struct {
	Items []T    `json:"items"`
	Err   string `json:"error,omitempty"`
}

// FetchedOK wraps a successfully fetched collection.
func FetchedOK[T any](items []T) Fetched[T] {
	if items == nil {
		items = []T{}
	}
	return Fetched[T]{Items: items}
}

// FetchedErr records a failed fetch.
func FetchedErr[T any](err error) Fetched[T] {
	return Fetched[T]{Items: []T{}, Err: err.Error()}
}

// State reports whether the collection is ok, empty, or failed.
func (f Fetched[T]) State() FetchState {
	switch {
	case f.Err != "":
		return FetchError
	case len(f.Items) == 0:
		return FetchEmpty
	default:
		return FetchOK
	}
}

// MarshalJSON adds the derived state to the encoded form.
func (f Fetched[T]) MarshalJSON() ([]byte, error) {
	items := f.Items
	if items == nil {
		items = []T{}
	}
	return json.Marshal(struct {
		State FetchState `json:"state"`
		Items []T        `json:"items"`
		Err   string     `json:"error,omitempty"`
	}{State: f.State(), Items: items, Err: f.Err})
}

// PaperSummary is the compact paper entry carried in discovery results.
type PaperSummary struct {
	CanonicalID    string  `json:"canonical_id"`
	Title          string  `json:"title"`
	Year           int     `json:"year,omitempty"`
	Source         string  `json:"source"`
	RelevanceScore float64 `json:"relevance_score"`
}

// SourceFailure records a literature source that could not be searched.
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// DiscoverResult is the outcome of a discover stage.
type DiscoverResult struct {
	PapersFound  int                   `json:"papers_found"`
	PapersSaved  int                   `json:"papers_saved"`
	Papers       Fetched[PaperSummary] `json:"papers"`
	SourceErrors []SourceFailure       `json:"source_errors,omitempty"`
}

// PaperFailure records a paper whose analysis failed.
type PaperFailure struct {
	CanonicalID string `json:"canonical_id"`
	Error       string `json:"error"`
}

// AnalyzeResult is the outcome of an analyze stage.
type AnalyzeResult struct {
	PapersAnalyzed int            `json:"papers_analyzed"`
	TotalPapers    int            `json:"total_papers"`
	SuccessRate    float64        `json:"success_rate"`
	Failures       []PaperFailure `json:"failures,omitempty"`
}

// LandscapeResult is the outcome of a landscape stage.
type LandscapeResult struct {
	Clusters         int `json:"clusters"`
	SolvedProblems   int `json:"solved_problems"`
	PartiallySolved  int `json:"partially_solved"`
	UnsolvedProblems int `json:"unsolved_problems"`
	AnalysesUsed     int `json:"analyses_used"`
}

// IdeaSummary is the compact idea entry carried in ideas results.
type IdeaSummary struct {
	IdeaID           string  `json:"idea_id"`
	Title            string  `json:"title"`
	NoveltyScore     float64 `json:"novelty_score"`
	FeasibilityScore float64 `json:"feasibility_score"`
}

// IdeasResult is the outcome of an ideas stage.
type IdeasResult struct {
	IdeasGenerated      int                  `json:"ideas_generated"`
	Ideas               Fetched[IdeaSummary] `json:"ideas"`
	AvgNoveltyScore     float64              `json:"avg_novelty_score"`
	AvgFeasibilityScore float64              `json:"avg_feasibility_score"`
}

// MethodResult is the outcome of a method stage.
type MethodResult struct {
	IdeaID      string `json:"idea_id"`
	MethodName  string `json:"method_name"`
	Components  int    `json:"components"`
	Experiments int    `json:"experiments"`
}

// DraftResult is the outcome of a draft stage.
type DraftResult struct {
	IdeaID    string   `json:"idea_id"`
	Title     string   `json:"title"`
	Sections  []string `json:"sections"`
	WordCount int      `json:"word_count"`
}

func (DiscoverResult) Kind() StageKind  { return StageDiscover }
func (AnalyzeResult) Kind() StageKind   { return StageAnalyze }
func (LandscapeResult) Kind() StageKind { return StageLandscape }
func (IdeasResult) Kind() StageKind     { return StageIdeas }
func (MethodResult) Kind() StageKind    { return StageMethod }
func (DraftResult) Kind() StageKind     { return StageDraft }

func (DiscoverResult) isStageResult()  {}
func (AnalyzeResult) isStageResult()   {}
func (LandscapeResult) isStageResult() {}
func (IdeasResult) isStageResult()     {}
func (MethodResult) isStageResult()    {}
func (DraftResult) isStageResult()     {}

// ResultPayload converts a stage result into the JSON object stored on the
// task record.
func ResultPayload(res StageResult) (map[string]any, error) {
	if res == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", res.Kind(), err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s result: %w", res.Kind(), err)
	}
	return out, nil
}
