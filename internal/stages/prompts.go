package stages

import (
	"encoding/json"
	"fmt"
	"strings"
)

const analysisSystem = `You are an expert research assistant who reads academic papers.
Answer with a JSON object with the keys core_problem, key_method, technical_approach,
experiment_conclusions (strings) and limitations, contributions (arrays of strings).`

const landscapeSystem = `You are a senior researcher mapping a research field.
Given structured paper analyses, answer with a JSON object with the keys
clusters (array of {name, description, paper_ids}), solved_problems,
partially_solved, unsolved_problems (arrays of strings) and technical_evolution (string).`

const ideasSystem = `You are a creative but rigorous researcher proposing new research ideas.
Answer with a JSON object {"ideas": [...]} where each idea has the keys title, motivation,
core_hypothesis, expected_contribution, difference_from_existing, novelty_score and
feasibility_score (numbers between 0 and 10).`

const methodSystem = `You are a methods expert designing how to realize a research idea.
Answer with a JSON object with the keys method_name, algorithm_framework, data_requirements
(strings) and key_modules, evaluation_metrics, experiments, expected_challenges (arrays of strings).`

const draftSystem = `You are an academic writer drafting a paper section by section.
Write the requested section in plain prose suitable for a conference paper. Do not add a heading.`

func analysisPrompt(title, abstract string) string {
	if strings.TrimSpace(abstract) == "" {
		abstract = "(no abstract available)"
	}
	return fmt.Sprintf("Title: %s\n\nAbstract: %s", title, truncate(abstract, 4000))
}

func landscapePrompt(analyses []PaperAnalysis) string {
	var sb strings.Builder
	sb.WriteString("Paper analyses:\n")
	for _, a := range analyses {
		fmt.Fprintf(&sb, "\n[%s] %s\n- problem: %s\n- method: %s\n- limitations: %s\n",
			a.CanonicalID, truncate(a.Title, 200), truncate(a.CoreProblem, 500),
			truncate(a.KeyMethod, 500), truncate(strings.Join(a.Limitations, "; "), 500))
	}
	return sb.String()
}

func ideasPrompt(l *Landscape, n int) string {
	return fmt.Sprintf("Propose exactly %d research ideas that address open problems in this landscape.\n\n%s",
		n, mustIndent(l))
}

func methodPrompt(idea *Idea) string {
	return "Design a method for the following research idea.\n\n" + mustIndent(idea)
}

func sectionPrompt(section string, idea *Idea, method *MethodDesign, landscape *Landscape) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write the %s section of a paper titled %q.\n\nIdea:\n%s\n\nMethod:\n%s\n",
		strings.ReplaceAll(section, "_", " "), idea.Title, mustIndent(idea), mustIndent(method))
	if landscape != nil && section == "related_work" {
		fmt.Fprintf(&sb, "\nResearch landscape:\n%s\n", mustIndent(landscape))
	}
	return sb.String()
}

func mustIndent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
