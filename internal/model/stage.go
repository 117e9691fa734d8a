package model

import "fmt"

// Stage is a step in an entity's processing lifecycle. Stages are ordered and
// an entity's stage only moves forward; failures are recorded out of band on
// the entity (LastError, RetryCount) without regressing the stage.
type Stage int

// Pipeline stages in processing order. The organization pipeline walks all
// four; the person pipeline goes straight from Discovered to Processed.
const (
	StageDiscovered Stage = iota
	StageEnriched
	StageMembersCollected
	StageProcessed
)

var stageNames = map[Stage]string{
	StageDiscovered:       "discovered",
	StageEnriched:         "enriched",
	StageMembersCollected: "members_collected",
	StageProcessed:        "processed",
}

// String returns the stage name used in logs and persisted documents.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Before reports whether s precedes other in pipeline order.
func (s Stage) Before(other Stage) bool {
	return s < other
}

// Terminal reports whether the stage is the final processed state.
func (s Stage) Terminal() bool {
	return s >= StageProcessed
}

// ParseStage maps a persisted stage name back to its enum value.
func ParseStage(name string) (Stage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}
