package audit

import "testing"

func TestExtractDocumentID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/admin/documents/d-1/void", "d-1"},
		{"/admin/contracts/c-9", "c-9"},
		{"/admin/envelopes/e-2/signers/s-1", "e-2"},
		{"/admin/contracts", ""},
		{"/admin/jobs/j-1", ""},
		{"/healthz", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := extractDocumentID(tt.path); got != tt.want {
				t.Errorf("extractDocumentID(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestExtractOperation(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/admin/documents/d-1/void", "post void"},
		{"DELETE", "/admin/envelopes/e-2/signers/s-1", "delete signers/s-1"},
		{"DELETE", "/admin/contracts/c-9", "delete"},
	}
	for _, tt := range tests {
		if got := extractOperation(tt.method, tt.path); got != tt.want {
			t.Errorf("extractOperation(%s %s) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}
