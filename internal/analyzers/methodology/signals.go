package methodology

import (
	"regexp"
	"strings"
)

// Path-based signal detectors. Each maps a signal name to the
// methodology it counts toward.
var (
	dddPathRe = regexp.MustCompile(`(?i)(entity|valueobject|value_object|aggregate|repository|bounded_?context)`)
	dddDirRe  = regexp.MustCompile(`(?i)(^|/)domain(/|$)`)

	bddFeatureRe = regexp.MustCompile(`\.feature$`)
	bddSpecRe    = regexp.MustCompile(`(?i)\.spec\.[a-z]+$`)

	edaPathRe = regexp.MustCompile(`(?i)(event|handler|saga|cqrs|projection|subscriber|consumer)`)
	edaDirRe  = regexp.MustCompile(`(?i)(^|/)(events|handlers|sagas|projections)(/|$)`)

	testFileRe = regexp.MustCompile(`(_test\.go|\.test\.[a-z]+|_spec\.rb)$`)
)

// pathSignals detects methodology signals in a file path.
func pathSignals(path string) map[string]string {
	out := make(map[string]string)

	if dddPathRe.MatchString(path) {
		out["ddd_token"] = DDD
	}

	if dddDirRe.MatchString(path) {
		out["domain_layout"] = DDD
	}

	if bddFeatureRe.MatchString(path) {
		out["gherkin_file"] = BDD
	}

	if bddSpecRe.MatchString(path) {
		out["spec_file"] = BDD
	}

	if edaDirRe.MatchString(path) {
		out["eda_layout"] = EDA
	} else if edaPathRe.MatchString(path) {
		out["eda_token"] = EDA
	}

	return out
}

// Message-based detectors for commit messages.
var (
	dddMessageRe = regexp.MustCompile(`(?i)\b(aggregate|bounded context|ubiquitous language|value object|domain model)\b`)
	bddStepRe    = regexp.MustCompile(`(?i)\b(given|when|then)\b.*\b(given|when|then)\b`)
	edaMessageRe = regexp.MustCompile(`(?i)\b(event.driven|event sourcing|saga|cqrs|projection)\b`)
	tddMessageRe = regexp.MustCompile(`(?i)\b(red.green|test.first|failing test)\b`)
)

// messageSignals detects methodology signals in a commit message.
func messageSignals(message string) map[string]string {
	out := make(map[string]string)

	if dddMessageRe.MatchString(message) {
		out["ddd_commit"] = DDD
	}

	if bddStepRe.MatchString(message) {
		out["bdd_commit"] = BDD
	}

	if edaMessageRe.MatchString(message) {
		out["eda_commit"] = EDA
	}

	if tddMessageRe.MatchString(message) {
		out["tdd_commit"] = TDD
	}

	return out
}

func isTestFile(path string) bool {
	if testFileRe.MatchString(path) {
		return true
	}

	lower := strings.ToLower(path)

	return strings.Contains(lower, "/test/") || strings.Contains(lower, "/tests/") || strings.Contains(lower, "/__tests__/")
}

// sourceBasename strips directories, test markers, and the extension so
// a test file and its subject share a key.
func sourceBasename(path string) string {
	base := path
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}

	if idx := strings.IndexByte(base, '.'); idx >= 0 {
		base = base[:idx]
	}

	base = strings.TrimSuffix(base, "_test")
	base = strings.TrimSuffix(base, "_spec")
	base = strings.TrimSuffix(base, ".spec")

	return strings.ToLower(base)
}

// signalWeights converts counts into score points, per methodology.
var signalWeights = map[string]map[string]float64{
	DDD: {
		"ddd_token":     8,
		"domain_layout": 10,
		"ddd_commit":    12,
	},
	TDD: {
		"test_file_activity": 4,
		"test_first":         15,
		"test_runs":          3,
		"red_green":          12,
		"tdd_commit":         10,
	},
	BDD: {
		"gherkin_file": 15,
		"spec_file":    8,
		"bdd_commit":   10,
	},
	EDA: {
		"eda_layout": 10,
		"eda_token":  5,
		"eda_commit": 12,
	},
}

// describe fills strengths, weaknesses, and recommendations from the
// observed signal mix.
func describe(name string, score *Score) {
	present := func(signal string) bool { return score.Details[signal] > 0 }

	switch name {
	case DDD:
		if present("domain_layout") {
			score.Strengths = append(score.Strengths, "dedicated domain layer in the tree")
		}

		if present("ddd_token") || present("ddd_commit") {
			score.Strengths = append(score.Strengths, "tactical DDD vocabulary in use")
		} else {
			score.Weaknesses = append(score.Weaknesses, "no entities, aggregates, or repositories detected")
			score.Recommendations = append(score.Recommendations, "name domain concepts explicitly (Entity, Aggregate, Repository)")
		}
	case TDD:
		if present("test_first") {
			score.Strengths = append(score.Strengths, "tests regularly change before their subject")
		}

		if present("red_green") {
			score.Strengths = append(score.Strengths, "red-green cycles observed in test runs")
		}

		if !present("test_file_activity") {
			score.Weaknesses = append(score.Weaknesses, "little or no test file activity")
			score.Recommendations = append(score.Recommendations, "write a failing test before the next change")
		}
	case BDD:
		if present("gherkin_file") {
			score.Strengths = append(score.Strengths, "Gherkin feature files maintained")
		} else {
			score.Weaknesses = append(score.Weaknesses, "no feature specifications found")
			score.Recommendations = append(score.Recommendations, "capture behaviour as Given/When/Then scenarios")
		}
	case EDA:
		if present("eda_layout") {
			score.Strengths = append(score.Strengths, "event and handler packages present")
		}

		if !present("eda_token") && !present("eda_layout") {
			score.Weaknesses = append(score.Weaknesses, "no event-driven markers detected")
			score.Recommendations = append(score.Recommendations, "model cross-module effects as published events")
		}
	}
}
