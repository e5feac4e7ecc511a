package models

// AnalysisResult is the canonical artifact attached to a completed job. Both
// analyzer response shapes normalize into this one structure.
type AnalysisResult struct {
	FileInfo        FileInfo            `json:"file_info"`
	Algorithms      []DetectedAlgorithm `json:"algorithms"`
	Functions       []FunctionFinding   `json:"functions"`
	Protocols       []ProtocolFinding   `json:"protocols"`
	Vulnerabilities VulnAssessment      `json:"vulnerabilities"`
	Explanation     string              `json:"explanation,omitempty"`
}

// FileInfo carries the analyzed file's metadata and digests.
type FileInfo struct {
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
	MD5      string `json:"md5,omitempty"`
	SHA1     string `json:"sha1,omitempty"`
	SHA256   string `json:"sha256"`
}

// DetectedAlgorithm is one cryptographic or encoding algorithm the analyzer
// recognized in the binary.
type DetectedAlgorithm struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Class      string   `json:"class,omitempty"`
	Structure  string   `json:"structure,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
}

// FunctionFinding is a function-level observation.
type FunctionFinding struct {
	Name       string   `json:"name"`
	Address    string   `json:"address,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary,omitempty"`
}

// ProtocolFinding is a network or file-format protocol observation.
type ProtocolFinding struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail,omitempty"`
}

// Severity buckets for the vulnerability assessment.
type Severity string

const (
	SeverityNone     Severity = "None"
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// VulnAssessment aggregates vulnerability findings for the whole binary.
type VulnAssessment struct {
	HasVulns        bool     `json:"has_vulns"`
	Severity        Severity `json:"severity"`
	Vulns           []string `json:"vulns,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Score           float64  `json:"score"`
}
