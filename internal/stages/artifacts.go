package stages

// Document kinds written to the project's document store.
const (
	KindPaper     = "paper"
	KindAnalysis  = "analysis"
	KindLandscape = "landscape"
	KindIdea      = "idea"
	KindMethod    = "method"
	KindDraft     = "draft"

	// landscapeKey is the single landscape document of a project.
	landscapeKey = "current"
)

// PaperAnalysis is the structured reading of one paper.
type PaperAnalysis struct {
	CanonicalID           string   `json:"canonical_id"`
	Title                 string   `json:"title"`
	CoreProblem           string   `json:"core_problem"`
	KeyMethod             string   `json:"key_method"`
	TechnicalApproach     string   `json:"technical_approach"`
	ExperimentConclusions string   `json:"experiment_conclusions"`
	Limitations           []string `json:"limitations"`
	Contributions         []string `json:"contributions"`
}

// Cluster groups papers that follow one research direction.
type Cluster struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PaperIDs    []string `json:"paper_ids"`
}

// Landscape summarizes the state of the field across all analyses.
type Landscape struct {
	Clusters           []Cluster `json:"clusters"`
	SolvedProblems     []string  `json:"solved_problems"`
	PartiallySolved    []string  `json:"partially_solved"`
	UnsolvedProblems   []string  `json:"unsolved_problems"`
	TechnicalEvolution string    `json:"technical_evolution"`
	AnalysesUsed       int       `json:"analyses_used"`
}

// Idea is a candidate research direction.
type Idea struct {
	IdeaID                 string  `json:"idea_id"`
	Title                  string  `json:"title"`
	Motivation             string  `json:"motivation"`
	CoreHypothesis         string  `json:"core_hypothesis"`
	ExpectedContribution   string  `json:"expected_contribution"`
	DifferenceFromExisting string  `json:"difference_from_existing"`
	NoveltyScore           float64 `json:"novelty_score"`
	FeasibilityScore       float64 `json:"feasibility_score"`
}

// MethodDesign is the method proposed for an idea.
type MethodDesign struct {
	IdeaID             string   `json:"idea_id"`
	MethodName         string   `json:"method_name"`
	AlgorithmFramework string   `json:"algorithm_framework"`
	KeyModules         []string `json:"key_modules"`
	DataRequirements   string   `json:"data_requirements"`
	EvaluationMetrics  []string `json:"evaluation_metrics"`
	Experiments        []string `json:"experiments"`
	ExpectedChallenges []string `json:"expected_challenges"`
}

// DraftSection is one section of a paper draft.
type DraftSection struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Draft is a generated paper draft.
type Draft struct {
	IdeaID    string         `json:"idea_id"`
	Title     string         `json:"title"`
	Sections  []DraftSection `json:"sections"`
	WordCount int            `json:"word_count"`
}
