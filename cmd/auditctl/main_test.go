package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jmerrifield20/coldchain-ledger/internal/auditledger"
	"github.com/jmerrifield20/coldchain-ledger/pkg/client"
)

func TestBuildEvent(t *testing.T) {
	recEventType, recAction = "shipment.excursion_acknowledged", "Excursion acknowledged"
	recTenant, recUser = "7", ""
	recResourceType, recResourceID = "Shipment", "991"
	recChanges = `{"status":{"from":"open","to":"acknowledged"}}`
	recMetadata = ""
	t.Cleanup(func() {
		recEventType, recAction, recTenant, recResourceType, recResourceID, recChanges = "", "", "", "", "", ""
	})

	ev, err := buildEvent()
	if err != nil {
		t.Fatal(err)
	}
	if ev.TenantID == nil || *ev.TenantID != "7" {
		t.Errorf("tenant = %v, want 7", ev.TenantID)
	}
	if ev.UserID != nil {
		t.Errorf("empty --user should stay nil, got %q", *ev.UserID)
	}
	if ev.Resource == nil || ev.Resource.ID != "991" {
		t.Errorf("resource = %+v", ev.Resource)
	}
	if ev.Changes["status"].To != "acknowledged" {
		t.Errorf("changes = %+v", ev.Changes)
	}
}

func TestBuildEvent_badJSON(t *testing.T) {
	recChanges = `{"status":`
	t.Cleanup(func() { recChanges = "" })

	if _, err := buildEvent(); err == nil || !strings.Contains(err.Error(), "--changes") {
		t.Errorf("expected --changes error, got %v", err)
	}
}

func TestPrintVerifyText(t *testing.T) {
	first, last := uint64(1), uint64(3)
	res := &auditledger.VerificationResult{
		Checked:       3,
		FirstSequence: &first,
		LastSequence:  &last,
		Scope:         auditledger.ScopeFull,
		Algorithm:     "sha256",
		Errors: []auditledger.ChainError{
			{Sequence: 2, Kind: auditledger.KindSignatureMismatch, Expected: "aa", Actual: "bb"},
			{Sequence: 3, Kind: auditledger.KindChainBreak, Detail: "sequence 2 is missing"},
		},
	}

	var buf bytes.Buffer
	printVerifyText(&buf, res)
	out := buf.String()

	for _, want := range []string{"INVALID", "Range:     1-3", "expected aa, got bb", "sequence 2 is missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFromRemote(t *testing.T) {
	v := &client.Verification{
		Checked: 2,
		Scope:   "partial",
		Errors:  []client.Finding{{Sequence: 4, Kind: "chain_break", Detail: "sequence 3 is missing"}},
	}
	res := fromRemote(v)
	if res.Valid || res.Scope != auditledger.ScopePartial || len(res.Errors) != 1 {
		t.Fatalf("fromRemote = %+v", res)
	}
	if res.Errors[0].Kind != auditledger.KindChainBreak {
		t.Errorf("kind = %q", res.Errors[0].Kind)
	}
}
