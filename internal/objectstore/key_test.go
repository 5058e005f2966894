package objectstore

import "testing"

func TestJoinKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{"plain prefix", "defrag", "report.jsonl", "defrag/report.jsonl"},
		{"empty prefix", "", "report.jsonl", "report.jsonl"},
		{"trailing slash on prefix", "defrag/", "report.jsonl", "defrag/report.jsonl"},
		{"leading slash on name", "defrag", "/report.jsonl", "defrag/report.jsonl"},
		{"slashes everywhere", "/defrag/runs/", "/report.jsonl", "defrag/runs/report.jsonl"},
		{"empty prefix with leading slash", "/", "report.jsonl", "report.jsonl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JoinKey(tt.prefix, tt.key); got != tt.want {
				t.Errorf("JoinKey(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
			}
		})
	}
}
