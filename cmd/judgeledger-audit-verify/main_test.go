package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/judgeledger/judgeledger/internal/protocol"
)

func TestPrintReportListsIssues(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, protocol.ChainVerifyResponse{
		Status:         "integrity_violation",
		EntriesChecked: 5,
		CheckpointRoot: "abc",
		Issues: []protocol.IntegrityIssueView{
			{Index: 3, Kind: "entry_hash_mismatch", Detail: "stored hash differs"},
			{Index: 4, Kind: "previous_hash_mismatch"},
		},
	})
	out := buf.String()
	for _, want := range []string{"integrity_violation", "entries checked: 5", "#3 entry_hash_mismatch: stored hash differs", "#4 previous_hash_mismatch\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
