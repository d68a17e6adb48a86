package objectstore

import (
	"io"
	"strings"
	"testing"
)

func TestCountingReaderReportsCumulativeBytes(t *testing.T) {
	var reads [][2]int64
	reader := NewCountingReader(strings.NewReader("0123456789"), 10, func(read, total int64) {
		reads = append(reads, [2]int64{read, total})
	})

	buf := make([]byte, 4)
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rest, err := io.ReadAll(reader); err != nil || len(rest) != 6 {
		t.Fatalf("drain: %v (%d bytes)", err, len(rest))
	}

	if reader.BytesRead() != 10 {
		t.Fatalf("expected 10 bytes read, got %d", reader.BytesRead())
	}
	if len(reads) == 0 {
		t.Fatal("expected at least one callback")
	}
	last := reads[len(reads)-1]
	if last[0] != 10 || last[1] != 10 {
		t.Fatalf("unexpected final callback: %v", last)
	}
	for i := 1; i < len(reads); i++ {
		if reads[i][0] < reads[i-1][0] {
			t.Fatal("cumulative byte count must be non-decreasing")
		}
	}
}

func TestCountingReaderUnknownTotal(t *testing.T) {
	var lastTotal int64 = -2
	reader := NewCountingReader(strings.NewReader("data"), -1, func(_, total int64) {
		lastTotal = total
	})
	if _, err := io.ReadAll(reader); err != nil {
		t.Fatalf("read: %v", err)
	}
	if lastTotal != -1 {
		t.Fatalf("expected total passed through unchanged, got %d", lastTotal)
	}
	if reader.BytesRead() != 4 {
		t.Fatalf("expected 4 bytes read, got %d", reader.BytesRead())
	}
}
