package llm

import (
	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/config"
)

// GateDecision says whether the model may be called, and why not.
type GateDecision struct {
	Allowed bool
	Reason  string
}

// ShouldCallClassify gates the classification fallback. Risk flags always
// keep the decision deterministic, as does determinism mode and the
// incident kill switch.
func ShouldCallClassify(cfg *config.Config, deterministic *artifacts.ClassificationResult) GateDecision {
	if cfg.DeterminismMode {
		return GateDecision{Allowed: false, Reason: "DETERMINISM_MODE"}
	}
	if cfg.Incident.DisableLLM {
		return GateDecision{Allowed: false, Reason: "INCIDENT_DISABLE_LLM"}
	}
	if !cfg.Classification.LLM.Enabled {
		return GateDecision{Allowed: false, Reason: "DISABLED"}
	}
	if cfg.Classification.LLM.Provider == "disabled" {
		return GateDecision{Allowed: false, Reason: "DISABLED_PROVIDER"}
	}
	if len(deterministic.RiskFlags) > 0 {
		return GateDecision{Allowed: false, Reason: "RISK_FLAGS_PRESENT"}
	}
	if deterministic.PrimaryIntent.Confidence >= cfg.Classification.MinConfidenceForAuto {
		return GateDecision{Allowed: false, Reason: "CONFIDENCE_HIGH_ENOUGH"}
	}
	return GateDecision{Allowed: true, Reason: "LOW_CONFIDENCE_NO_RISK_FLAGS"}
}

// ShouldCallExtract gates the extraction fallback: only when classification
// already used the model and deterministic extraction found nothing.
func ShouldCallExtract(classifyLLMUsed bool, deterministic *artifacts.ExtractionResult) GateDecision {
	if !classifyLLMUsed {
		return GateDecision{Allowed: false, Reason: "CLASSIFY_LLM_NOT_USED"}
	}
	if len(deterministic.Entities) > 0 {
		return GateDecision{Allowed: false, Reason: "ENTITIES_ALREADY_EXTRACTED"}
	}
	return GateDecision{Allowed: true, Reason: "NO_ENTITIES_AND_CLASSIFY_USED_LLM"}
}
