package gitmon

import (
	"regexp"
	"strings"
)

// conventionalRe matches a Conventional Commits first line:
// type(scope)!: subject.
var conventionalRe = regexp.MustCompile(`^([a-zA-Z]+)(\(([^)]*)\))?(!)?:\s+(.+)$`)

// knownTypes are the Conventional Commits types we recognise. Unknown
// types still parse; they just carry no inherent risk adjustment.
var knownTypes = map[string]struct{}{
	"feat": {}, "fix": {}, "docs": {}, "style": {}, "refactor": {},
	"perf": {}, "test": {}, "build": {}, "ci": {}, "chore": {}, "revert": {},
}

// conventional is the parsed form of a Conventional Commits message.
type conventional struct {
	Type     string
	Scope    string
	Subject  string
	Breaking bool
}

// parseConventional parses the first line of a commit message. The
// second return is false when the message does not follow the format.
func parseConventional(message string) (conventional, bool) {
	line := message
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}

	line = strings.TrimSpace(line)

	groups := conventionalRe.FindStringSubmatch(line)
	if groups == nil {
		return conventional{}, false
	}

	parsed := conventional{
		Type:     strings.ToLower(groups[1]),
		Scope:    groups[3],
		Subject:  groups[5],
		Breaking: groups[4] == "!",
	}

	if strings.Contains(message, "BREAKING CHANGE") {
		parsed.Breaking = true
	}

	return parsed, true
}

// typeRisk is the inherent risk weight of a commit type.
var typeRisk = map[string]float64{
	"feat":     0.6,
	"fix":      0.5,
	"refactor": 0.6,
	"perf":     0.6,
	"revert":   0.7,
	"build":    0.4,
	"ci":       0.3,
	"docs":     0.1,
	"style":    0.1,
	"test":     0.2,
	"chore":    0.2,
}

// Churn normalisation points: changes at or beyond these counts score
// the full weight for their term.
const (
	riskFullChurn = 800
	riskFullFiles = 16

	riskTypeWeight  = 0.4
	riskChurnWeight = 0.4
	riskFilesWeight = 0.2
)

// riskScore combines commit type and change size into a [0,1] score.
func riskScore(conv conventional, hasConv bool, insertions, deletions, files int) float64 {
	base := 0.5

	if hasConv {
		if weight, ok := typeRisk[conv.Type]; ok {
			base = weight
		}

		if conv.Breaking {
			base = 1.0
		}
	}

	churn := float64(insertions+deletions) / riskFullChurn
	if churn > 1 {
		churn = 1
	}

	spread := float64(files) / riskFullFiles
	if spread > 1 {
		spread = 1
	}

	score := riskTypeWeight*base + riskChurnWeight*churn + riskFilesWeight*spread
	if score > 1 {
		score = 1
	}

	return score
}
