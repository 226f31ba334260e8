package pipeline

import (
	"encoding/json"
	"testing"
)

func TestStageOutputLegacyFields(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantRef string
		wantQa  QaDecision
	}{
		{"canonical", `{"artifact_ref":"a1","qa_decision":"approved"}`, "a1", QaApproved},
		{"upload_id", `{"upload_id":"u1","qa_status":"pass"}`, "u1", QaApproved},
		{"output_upload_id wins", `{"upload_id":"u1","output_upload_id":"o1","qa_status":"failed"}`, "o1", QaRejected},
		{"canonical wins over legacy", `{"artifact_ref":"a1","upload_id":"u1","qa_decision":"partial_success","qa_status":"fail"}`, "a1", QaPartialSuccess},
		{"no decision", `{"artifact_ref":"a1"}`, "a1", QaNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o StageOutput
			if err := json.Unmarshal([]byte(tt.raw), &o); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if o.ArtifactRef != tt.wantRef {
				t.Errorf("ArtifactRef = %q, want %q", o.ArtifactRef, tt.wantRef)
			}
			if o.QaDecision != tt.wantQa {
				t.Errorf("QaDecision = %q, want %q", o.QaDecision, tt.wantQa)
			}
		})
	}
}

func TestLegacyRecordInPipeline(t *testing.T) {
	raw := `{"id":"p1","kind":"simple_four_step","phase":{"stage":2,"sub":"running"},
		"stage_outputs":{"1":{"upload_id":"u1","qa_status":"PASSED","manual_approved":true,"approved_at":"2025-01-01T00:00:00Z"}}}`
	var p Pipeline
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	out := p.StageOutputs[1]
	if out == nil || out.ArtifactRef != "u1" || out.QaDecision != QaApproved || !out.ManualApproved {
		t.Fatalf("stage 1 output = %+v", out)
	}
	if err := Validate(&p, BuiltinLayout(KindSimpleFourStep)); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNormalizeQaDecision(t *testing.T) {
	tests := map[string]QaDecision{
		"approved":        QaApproved,
		" OK ":            QaApproved,
		"partial":         QaPartialSuccess,
		"partial_success": QaPartialSuccess,
		"reject":          QaRejected,
		"":                QaNone,
		"maybe":           QaNone,
	}
	for in, want := range tests {
		if got := NormalizeQaDecision(in); got != want {
			t.Errorf("NormalizeQaDecision(%q) = %q, want %q", in, got, want)
		}
	}
}
