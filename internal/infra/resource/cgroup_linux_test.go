//go:build linux

package resource

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadCgroupValue(t *testing.T) {
	tests := []struct {
		content string
		want    uint64
		ok      bool
	}{
		{"", 0, false},
		{"max\n", 0, false},
		{"0\n", 0, false},
		{"9223372036854771712\n", 0, false},
		{"garbage", 0, false},
		{"1073741824\n", 1 << 30, true},
	}
	dir := t.TempDir()
	for i, tt := range tests {
		path := filepath.Join(dir, "memory.max")
		if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
			t.Fatal(err)
		}
		got, ok := readCgroupValue(path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("case %d: readCgroupValue(%q) = %d,%v, want %d,%v", i, tt.content, got, ok, tt.want, tt.ok)
		}
	}

	if _, ok := readCgroupValue(filepath.Join(dir, "missing")); ok {
		t.Error("missing file should report no limit")
	}
}
