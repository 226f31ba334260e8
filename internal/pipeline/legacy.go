package pipeline

import (
	"encoding/json"
	"strings"
)

// UnmarshalJSON accepts the canonical StageOutput shape as well as the
// older field names still present in stored records: upload_id and
// output_upload_id for the artifact reference, and qa_status for the
// automatic decision.
func (o *StageOutput) UnmarshalJSON(data []byte) error {
	type canonical StageOutput
	var raw struct {
		canonical
		UploadID       string `json:"upload_id"`
		OutputUploadID string `json:"output_upload_id"`
		QaStatus       string `json:"qa_status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = StageOutput(raw.canonical)

	if o.ArtifactRef == "" {
		o.ArtifactRef = firstNonEmpty(raw.OutputUploadID, raw.UploadID)
	}
	if o.QaDecision == "" {
		o.QaDecision = NormalizeQaDecision(raw.QaStatus)
	}
	return nil
}

// NormalizeQaDecision maps the decision strings seen in stored records and
// worker callbacks onto QaDecision.
func NormalizeQaDecision(s string) QaDecision {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "pass", "passed", "ok":
		return QaApproved
	case "partial_success", "partial", "partialsuccess":
		return QaPartialSuccess
	case "rejected", "reject", "fail", "failed":
		return QaRejected
	}
	return QaNone
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
