package auditledger

import (
	"strings"
	"testing"
	"time"
)

func sampleRecord() *AuditRecord {
	return &AuditRecord{
		Sequence:     3,
		EventType:    "billing.subscription_changed",
		Action:       "Plan upgraded",
		TenantID:     String("7"),
		UserID:       String("42"),
		ResourceType: String("Subscription"),
		ResourceID:   String("9"),
		Changes: Changes{
			"plan":   {From: "basic", To: "pro"},
			"amount": {From: 10.0, To: 25.0},
		},
		PreviousHash: String("ab12"),
		CreatedAt:    time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC),
	}
}

func TestHasher_algorithms(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		hexLen int
	}{
		{"", AlgorithmSHA256, 64},
		{"SHA256", AlgorithmSHA256, 64},
		{"sha3-256", AlgorithmSHA3, 64},
		{" blake2b-256 ", AlgorithmBLAKE2b, 64},
	}
	for _, tc := range tests {
		h, err := NewHasher(tc.name)
		if err != nil {
			t.Fatalf("NewHasher(%q): %v", tc.name, err)
		}
		if h.Algorithm() != tc.want {
			t.Errorf("NewHasher(%q).Algorithm() = %q, want %q", tc.name, h.Algorithm(), tc.want)
		}
		sig, err := h.Sign(sampleRecord())
		if err != nil {
			t.Fatal(err)
		}
		if len(sig) != tc.hexLen || strings.ToLower(sig) != sig {
			t.Errorf("%s signature %q: want %d lowercase hex chars", tc.want, sig, tc.hexLen)
		}
	}

	if _, err := NewHasher("md5"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestHasher_algorithmsDisagree(t *testing.T) {
	seen := map[string]string{}
	for _, name := range []string{AlgorithmSHA256, AlgorithmSHA3, AlgorithmBLAKE2b} {
		h, _ := NewHasher(name)
		sig, _ := h.Sign(sampleRecord())
		if other, dup := seen[sig]; dup {
			t.Errorf("%s and %s produced the same digest", name, other)
		}
		seen[sig] = name
	}
}

func TestHasher_deterministic(t *testing.T) {
	h := DefaultHasher()
	a, err := h.Sign(sampleRecord())
	if err != nil {
		t.Fatal(err)
	}

	// Same logical changes built in a different insertion order.
	r := sampleRecord()
	r.Changes = Changes{}
	r.Changes["amount"] = Change{From: 10.0, To: 25.0}
	r.Changes["plan"] = Change{From: "basic", To: "pro"}
	b, _ := h.Sign(r)
	if a != b {
		t.Errorf("signature depends on map insertion order: %s != %s", a, b)
	}
}

func TestHasher_metadataNotSigned(t *testing.T) {
	h := DefaultHasher()
	r := sampleRecord()
	before, _ := h.Sign(r)
	r.Metadata = Metadata{"ip": "10.0.0.1"}
	after, _ := h.Sign(r)
	if before != after {
		t.Error("metadata must not affect the signature")
	}
}

func TestHasher_timestampPrecision(t *testing.T) {
	h := DefaultHasher()
	r := sampleRecord()
	a, _ := h.Sign(r)

	// Sub-microsecond differences are below the encoded precision.
	r.CreatedAt = r.CreatedAt.Add(500 * time.Nanosecond)
	b, _ := h.Sign(r)
	if a != b {
		t.Error("sub-microsecond change should not alter the signature")
	}

	r.CreatedAt = r.CreatedAt.Add(time.Microsecond)
	c, _ := h.Sign(r)
	if a == c {
		t.Error("microsecond change should alter the signature")
	}

	// Zone is irrelevant; the instant is what counts.
	r = sampleRecord()
	r.CreatedAt = r.CreatedAt.In(time.FixedZone("CET", 3600))
	d, _ := h.Sign(r)
	if a != d {
		t.Error("signature should not depend on the time zone")
	}
}

func TestHasher_nilAndEmptyFieldsMatch(t *testing.T) {
	h := DefaultHasher()
	r := sampleRecord()
	r.UserID = nil
	r.Changes = nil
	a, _ := h.Sign(r)

	r.UserID = String("")
	r.Changes = Changes{}
	b, _ := h.Sign(r)
	if a != b {
		t.Error("absent and empty fields should encode identically")
	}
}

func TestHasher_fieldBoundariesAreSigned(t *testing.T) {
	h := DefaultHasher()
	tests := []struct {
		name string
		a, b func(r *AuditRecord)
	}{
		{
			"event type and action",
			func(r *AuditRecord) { r.EventType, r.Action = "billing.refund", "approved|by admin" },
			func(r *AuditRecord) { r.EventType, r.Action = "billing.refund|approved", "by admin" },
		},
		{
			"tenant and user",
			func(r *AuditRecord) { r.TenantID, r.UserID = String("7"), String("ops|root") },
			func(r *AuditRecord) { r.TenantID, r.UserID = String("7|ops"), String("root") },
		},
		{
			"resource type and id",
			func(r *AuditRecord) { r.ResourceType, r.ResourceID = String("Shipment|"), String("9") },
			func(r *AuditRecord) { r.ResourceType, r.ResourceID = String("Shipment"), String("|9") },
		},
		{
			"empty field absorbs delimiter",
			func(r *AuditRecord) { r.TenantID, r.UserID = nil, String("42") },
			func(r *AuditRecord) { r.TenantID, r.UserID = String("|42"), nil },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := sampleRecord(), sampleRecord()
			tc.a(a)
			tc.b(b)
			sa, _ := h.Sign(a)
			sb, _ := h.Sign(b)
			if sa == sb {
				t.Errorf("records with shifted field text share signature %s", sa)
			}
		})
	}
}

func TestEncodeFields(t *testing.T) {
	got := string(encodeFields([]string{"billing.refund", "", "a|b"}))
	if want := "14:billing.refund|0:|3:a|b"; got != want {
		t.Errorf("encodeFields = %q, want %q", got, want)
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6_000, time.UTC)
	if got, want := FormatTimestamp(ts), "2026-01-02T03:04:05.000006Z"; got != want {
		t.Errorf("FormatTimestamp = %q, want %q", got, want)
	}
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil changes", Changes(nil), `{}`},
		{"nil metadata", Metadata(nil), `{}`},
		{
			"sorted keys",
			Changes{"b": {From: 1.0, To: 2.0}, "a": {From: nil, To: "x"}},
			`{"a":{"from":null,"to":"x"},"b":{"from":1,"to":2}}`,
		},
		{
			"nested maps and no html escaping",
			Metadata{"z": map[string]any{"y": "<tag>", "x": []any{1.0, "&"}}},
			`{"z":{"x":[1,"&"],"y":"<tag>"}}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalJSON(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.want {
				t.Errorf("CanonicalJSON = %s, want %s", got, tc.want)
			}
		})
	}
}
