package analyzer

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

// The analyzer has shipped two response shapes over its life: a modular
// wrapper under an "analysis" key, and an older flat document. Both are
// accepted; Normalize reports which one it saw.

type modularEnvelope struct {
	Analysis *modularBody `json:"analysis"`
	Error    string       `json:"error,omitempty"`
}

type modularBody struct {
	FileInfo        models.FileInfo            `json:"file_info"`
	Algorithms      []models.DetectedAlgorithm `json:"algorithms"`
	Functions       []models.FunctionFinding   `json:"functions"`
	Protocols       []models.ProtocolFinding   `json:"protocols"`
	Vulnerabilities models.VulnAssessment      `json:"vulnerabilities"`
	Explanation     string                     `json:"explanation"`
}

type flatBody struct {
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
	MD5      string `json:"md5"`
	SHA1     string `json:"sha1"`
	SHA256   string `json:"sha256"`

	DetectedAlgorithms []models.DetectedAlgorithm `json:"detected_algorithms"`
	Functions          []models.FunctionFinding   `json:"functions"`
	Protocols          []models.ProtocolFinding   `json:"protocols"`

	Vulnerabilities []flatVuln `json:"vulnerabilities"`
	Recommendations []string   `json:"recommendations"`
	Explanation     string     `json:"explanation"`

	Error string `json:"error,omitempty"`
}

type flatVuln struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Normalize parses either analyzer response shape into the canonical result.
// The returned shape is "modular" or "flat".
func Normalize(raw []byte) (models.AnalysisResult, string, error) {
	var env modularEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Analysis != nil {
		if env.Error != "" {
			return models.AnalysisResult{}, "modular", errors.New(env.Error)
		}
		result := models.AnalysisResult{
			FileInfo:        env.Analysis.FileInfo,
			Algorithms:      env.Analysis.Algorithms,
			Functions:       env.Analysis.Functions,
			Protocols:       env.Analysis.Protocols,
			Vulnerabilities: env.Analysis.Vulnerabilities,
			Explanation:     env.Analysis.Explanation,
		}
		return Clamp(result), "modular", nil
	}

	var flat flatBody
	if err := json.Unmarshal(raw, &flat); err != nil {
		return models.AnalysisResult{}, "", err
	}
	if flat.Error != "" {
		return models.AnalysisResult{}, "flat", errors.New(flat.Error)
	}

	vulns := make([]string, 0, len(flat.Vulnerabilities))
	for _, v := range flat.Vulnerabilities {
		vulns = append(vulns, v.Description)
	}

	result := models.AnalysisResult{
		FileInfo: models.FileInfo{
			FileType: flat.FileType,
			FileSize: flat.FileSize,
			MD5:      flat.MD5,
			SHA1:     flat.SHA1,
			SHA256:   flat.SHA256,
		},
		Algorithms: flat.DetectedAlgorithms,
		Functions:  flat.Functions,
		Protocols:  flat.Protocols,
		Vulnerabilities: models.VulnAssessment{
			HasVulns:        len(flat.Vulnerabilities) > 0,
			Severity:        aggregateSeverity(flat.Vulnerabilities),
			Vulns:           vulns,
			Recommendations: flat.Recommendations,
			Score:           scoreFor(aggregateSeverity(flat.Vulnerabilities)),
		},
		Explanation: flat.Explanation,
	}
	return Clamp(result), "flat", nil
}

// aggregateSeverity derives one severity for the whole binary: Critical if
// any vuln is critical, else High if any is high, else Medium if any vuln at
// all, else None.
func aggregateSeverity(vulns []flatVuln) models.Severity {
	if len(vulns) == 0 {
		return models.SeverityNone
	}
	hasHigh := false
	for _, v := range vulns {
		switch strings.ToLower(v.Severity) {
		case "critical":
			return models.SeverityCritical
		case "high":
			hasHigh = true
		}
	}
	if hasHigh {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

func scoreFor(sev models.Severity) float64 {
	switch sev {
	case models.SeverityCritical:
		return 9.5
	case models.SeverityHigh:
		return 7.5
	case models.SeverityMedium:
		return 5.0
	case models.SeverityLow:
		return 2.5
	default:
		return 0
	}
}

// Clamp bounds every open-range field of a result. It is idempotent:
// Clamp(Clamp(r)) == Clamp(r).
func Clamp(r models.AnalysisResult) models.AnalysisResult {
	for i := range r.Algorithms {
		r.Algorithms[i].Confidence = clamp01(r.Algorithms[i].Confidence)
	}
	for i := range r.Functions {
		r.Functions[i].Confidence = clamp01(r.Functions[i].Confidence)
	}
	for i := range r.Protocols {
		r.Protocols[i].Confidence = clamp01(r.Protocols[i].Confidence)
	}

	if r.Vulnerabilities.Severity == "" {
		r.Vulnerabilities.Severity = models.SeverityNone
	}
	if r.Vulnerabilities.Score < 0 {
		r.Vulnerabilities.Score = 0
	}
	if r.Vulnerabilities.Score > 10 {
		r.Vulnerabilities.Score = 10
	}
	if len(r.Vulnerabilities.Vulns) > 0 {
		r.Vulnerabilities.HasVulns = true
	}
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
