package stage

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/devpulse/devpulse/pkg/event"
)

// Stage names, in lifecycle order.
const (
	StagePRD          = "PRD"
	StagePlanning     = "planning"
	StageERD          = "ERD"
	StageWireframe    = "wireframe"
	StageScreenDesign = "screen_design"
	StageDesign       = "design"
	StageFrontend     = "frontend"
	StageBackend      = "backend"
	StageAICollab     = "ai_collab"
	StageCoding       = "coding"
	StageGit          = "git"
	StageDeployment   = "deployment"
	StageOperation    = "operation"
)

// Coding sub-stages. Non-exclusive: any sub-stage over its threshold is
// active alongside the main stage.
const (
	SubUsecase             = "usecase"
	SubEventStorming       = "event_storming"
	SubDomainModeling      = "domain_modeling"
	SubUsecaseDetail       = "usecase_detail"
	SubAIPromptDesign      = "ai_prompt_design"
	SubFirstImplementation = "first_implementation"
	SubBusinessLogic       = "business_logic"
	SubRefactoring         = "refactoring"
	SubUnitTest            = "unit_test"
	SubIntegrationTest     = "integration_test"
	SubE2ETest             = "e2e_test"
)

// Stages returns the ordered stage list.
func Stages() []string {
	return []string{
		StagePRD, StagePlanning, StageERD, StageWireframe, StageScreenDesign,
		StageDesign, StageFrontend, StageBackend, StageAICollab, StageCoding,
		StageGit, StageDeployment, StageOperation,
	}
}

// SubStages returns the coding sub-stage list.
func SubStages() []string {
	return []string{
		SubUsecase, SubEventStorming, SubDomainModeling, SubUsecaseDetail,
		SubAIPromptDesign, SubFirstImplementation, SubBusinessLogic,
		SubRefactoring, SubUnitTest, SubIntegrationTest, SubE2ETest,
	}
}

// Rule scores events toward a stage or a coding sub-stage. A rule
// matches when any of its populated matchers hits.
type Rule struct {
	// Stage receives the weight; SubStage instead scores a sub-stage.
	Stage    string
	SubStage string

	// Weight is the evidence added per matching event.
	Weight float64

	// Categories restricts matching to event categories.
	Categories []event.Category

	// Actions matches data["action"].
	Actions []string

	// PathGlobs matches data["path"] (and oldPath/newPath).
	PathGlobs []string

	// Keywords substring-match against path, message, and event type,
	// case-insensitively.
	Keywords []string
}

// matches scores an event against the rule. All populated matcher
// groups must hit (AND across groups, OR within a group).
func (r *Rule) matches(e *event.Event, path, message, action string) bool {
	if len(r.Categories) > 0 && !containsCategory(r.Categories, e.Category) {
		return false
	}

	if len(r.Actions) > 0 && !containsFold(r.Actions, action) {
		return false
	}

	if len(r.PathGlobs) > 0 && !matchesGlob(r.PathGlobs, path) {
		return false
	}

	if len(r.Keywords) > 0 && !matchesKeyword(r.Keywords, path, message, e.Type) {
		return false
	}

	// A rule with no matchers matches nothing.
	return len(r.Categories) > 0 || len(r.Actions) > 0 || len(r.PathGlobs) > 0 || len(r.Keywords) > 0
}

func containsCategory(categories []event.Category, c event.Category) bool {
	for _, candidate := range categories {
		if candidate == c {
			return true
		}
	}

	return false
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}

	return false
}

func matchesGlob(globs []string, path string) bool {
	if path == "" {
		return false
	}

	path = filepath.ToSlash(path)

	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, path); err == nil && ok {
			return true
		}
	}

	return false
}

func matchesKeyword(keywords []string, path, message, eventType string) bool {
	haystack := strings.ToLower(path + " " + message + " " + eventType)

	for _, keyword := range keywords {
		if strings.Contains(haystack, strings.ToLower(keyword)) {
			return true
		}
	}

	return false
}

// defaultRules is the built-in ruleset. Weights are relative; what
// matters is the balance between stages, not absolute values.
func defaultRules() []Rule {
	return []Rule{
		// Document-driven stages.
		{Stage: StagePRD, Weight: 2, PathGlobs: []string{"**/prd/**", "**/*.prd.md", "**/PRD*.md"}},
		{Stage: StagePRD, Weight: 1.5, Keywords: []string{"product requirements", "prd"}, Categories: []event.Category{event.CategoryFile, event.CategoryGit}},
		{Stage: StagePlanning, Weight: 2, PathGlobs: []string{"**/ROADMAP.md", "**/TODO.md", "**/planning/**", "**/milestones/**"}},
		{Stage: StagePlanning, Weight: 1, Keywords: []string{"roadmap", "milestone", "sprint plan"}},
		{Stage: StageERD, Weight: 2, PathGlobs: []string{"**/erd/**", "**/*.dbml", "**/schema.sql", "**/migrations/**"}},
		{Stage: StageERD, Weight: 1.5, Keywords: []string{"entity relationship", "erd"}},
		{Stage: StageWireframe, Weight: 2, PathGlobs: []string{"**/wireframes/**", "**/*.wireframe.*"}},
		{Stage: StageWireframe, Weight: 1.5, Keywords: []string{"wireframe"}},
		{Stage: StageScreenDesign, Weight: 2, PathGlobs: []string{"**/*.fig", "**/*.sketch", "**/mockups/**"}},
		{Stage: StageScreenDesign, Weight: 1.5, Keywords: []string{"mockup", "screen design"}},
		{Stage: StageDesign, Weight: 2, PathGlobs: []string{"**/DESIGN.md", "**/design/**", "**/*.design.md", "**/adr/**"}},
		{Stage: StageDesign, Weight: 1, Keywords: []string{"architecture", "design doc"}},

		// Implementation stages.
		{Stage: StageFrontend, Weight: 1.5, PathGlobs: []string{"**/*.tsx", "**/*.jsx", "**/*.vue", "**/*.svelte", "**/*.css", "**/*.scss", "**/frontend/**", "**/web/**"}},
		{Stage: StageBackend, Weight: 1.5, PathGlobs: []string{"**/internal/**", "**/server/**", "**/api/**", "**/backend/**", "**/cmd/**"}},
		{Stage: StageCoding, Weight: 1, Categories: []event.Category{event.CategoryFile}, Actions: []string{"add", "modify", "rename"}},
		{Stage: StageAICollab, Weight: 2, Categories: []event.Category{event.CategoryAI}},

		// Delivery stages.
		{Stage: StageGit, Weight: 1.5, Categories: []event.Category{event.CategoryGit}},
		{Stage: StageDeployment, Weight: 2, PathGlobs: []string{"**/Dockerfile", "**/deploy/**", "**/.github/workflows/**", "**/*.tf", "**/k8s/**", "**/helm/**"}},
		{Stage: StageDeployment, Weight: 1.5, Keywords: []string{"deploy", "release"}, Categories: []event.Category{event.CategoryGit, event.CategoryBuild}},
		{Stage: StageOperation, Weight: 2, PathGlobs: []string{"**/runbooks/**", "**/ops/**"}},
		{Stage: StageOperation, Weight: 1.5, Keywords: []string{"incident", "alert", "on-call"}},

		// Coding sub-stages.
		{SubStage: SubUsecase, Weight: 1, PathGlobs: []string{"**/usecases/**", "**/usecase/**"}},
		{SubStage: SubUsecase, Weight: 0.5, Keywords: []string{"use case", "usecase"}},
		{SubStage: SubEventStorming, Weight: 1, Keywords: []string{"event storming"}},
		{SubStage: SubDomainModeling, Weight: 1, PathGlobs: []string{"**/domain/**"}},
		{SubStage: SubDomainModeling, Weight: 0.5, Keywords: []string{"aggregate", "entity", "value object"}},
		{SubStage: SubUsecaseDetail, Weight: 1, Keywords: []string{"usecase detail", "acceptance criteria"}},
		{SubStage: SubAIPromptDesign, Weight: 1, PathGlobs: []string{"**/prompts/**"}},
		{SubStage: SubAIPromptDesign, Weight: 0.5, Keywords: []string{"prompt"}},
		{SubStage: SubFirstImplementation, Weight: 1, Categories: []event.Category{event.CategoryFile}, Actions: []string{"add"}},
		{SubStage: SubBusinessLogic, Weight: 1, PathGlobs: []string{"**/service/**", "**/services/**", "**/logic/**"}},
		{SubStage: SubRefactoring, Weight: 1, Keywords: []string{"refactor"}},
		{SubStage: SubUnitTest, Weight: 1, PathGlobs: []string{"**/*_test.go", "**/*.test.*", "**/*.spec.*"}},
		{SubStage: SubIntegrationTest, Weight: 1, PathGlobs: []string{"**/integration/**"}},
		{SubStage: SubIntegrationTest, Weight: 0.5, Keywords: []string{"integration test"}},
		{SubStage: SubE2ETest, Weight: 1, PathGlobs: []string{"**/e2e/**"}},
		{SubStage: SubE2ETest, Weight: 0.5, Keywords: []string{"e2e"}},
	}
}
