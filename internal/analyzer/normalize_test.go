package analyzer

import (
	"reflect"
	"testing"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

func TestNormalizeModular(t *testing.T) {
	raw := []byte(`{
		"analysis": {
			"file_info": {"file_type": "ELF64", "file_size": 2048, "sha256": "ab"},
			"algorithms": [{"name": "AES", "confidence": 0.92, "class": "block-cipher"}],
			"functions": [{"name": "encrypt_block", "address": "0x401000", "confidence": 0.8}],
			"protocols": [],
			"vulnerabilities": {
				"has_vulns": true,
				"severity": "High",
				"vulns": ["hardcoded key material"],
				"score": 7.5
			},
			"explanation": "uses AES in ECB mode"
		}
	}`)

	result, shape, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if shape != "modular" {
		t.Fatalf("shape = %q, want modular", shape)
	}
	if result.FileInfo.FileType != "ELF64" {
		t.Fatalf("file type = %q, want ELF64", result.FileInfo.FileType)
	}
	if len(result.Algorithms) != 1 || result.Algorithms[0].Name != "AES" {
		t.Fatalf("algorithms = %+v", result.Algorithms)
	}
	if result.Vulnerabilities.Severity != models.SeverityHigh {
		t.Fatalf("severity = %q, want High", result.Vulnerabilities.Severity)
	}
}

func TestNormalizeFlat(t *testing.T) {
	tests := []struct {
		name         string
		vulns        string
		wantSeverity models.Severity
		wantHasVulns bool
	}{
		{"no vulns", `[]`, models.SeverityNone, false},
		{"low only maps to medium", `[{"severity": "low", "description": "weak rng"}]`, models.SeverityMedium, true},
		{"high wins over medium", `[{"severity": "medium", "description": "a"}, {"severity": "high", "description": "b"}]`, models.SeverityHigh, true},
		{"critical wins over everything", `[{"severity": "high", "description": "a"}, {"severity": "critical", "description": "b"}]`, models.SeverityCritical, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(`{
				"file_type": "PE32",
				"file_size": 1024,
				"sha256": "cd",
				"detected_algorithms": [{"name": "RC4", "confidence": 0.7}],
				"vulnerabilities": ` + tt.vulns + `
			}`)

			result, shape, err := Normalize(raw)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if shape != "flat" {
				t.Fatalf("shape = %q, want flat", shape)
			}
			if result.Vulnerabilities.Severity != tt.wantSeverity {
				t.Fatalf("severity = %q, want %q", result.Vulnerabilities.Severity, tt.wantSeverity)
			}
			if result.Vulnerabilities.HasVulns != tt.wantHasVulns {
				t.Fatalf("has_vulns = %v, want %v", result.Vulnerabilities.HasVulns, tt.wantHasVulns)
			}
		})
	}
}

func TestNormalizeErrorPayloads(t *testing.T) {
	for _, raw := range []string{
		`{"analysis": {"file_info": {}}, "error": "unpacking failed"}`,
		`{"error": "unsupported architecture"}`,
	} {
		if _, _, err := Normalize([]byte(raw)); err == nil {
			t.Fatalf("Normalize(%s) expected error", raw)
		}
	}
}

func TestClampIdempotent(t *testing.T) {
	result := models.AnalysisResult{
		Algorithms: []models.DetectedAlgorithm{{Name: "DES", Confidence: 1.7}},
		Functions:  []models.FunctionFinding{{Name: "f", Confidence: -0.3}},
		Vulnerabilities: models.VulnAssessment{
			Vulns: []string{"x"},
			Score: 12.5,
		},
	}

	once := Clamp(result)
	twice := Clamp(once)

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("Clamp not idempotent: %+v vs %+v", once, twice)
	}
	if once.Algorithms[0].Confidence != 1 {
		t.Fatalf("confidence = %v, want 1", once.Algorithms[0].Confidence)
	}
	if once.Functions[0].Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", once.Functions[0].Confidence)
	}
	if once.Vulnerabilities.Score != 10 {
		t.Fatalf("score = %v, want 10", once.Vulnerabilities.Score)
	}
	if !once.Vulnerabilities.HasVulns {
		t.Fatal("has_vulns should be forced true when vulns listed")
	}
	if once.Vulnerabilities.Severity != models.SeverityNone {
		t.Fatalf("severity default = %q, want None", once.Vulnerabilities.Severity)
	}
}
