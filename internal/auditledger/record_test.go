package auditledger

import "testing"

func TestClone_isDeep(t *testing.T) {
	r := sampleRecord()
	r.Metadata = Metadata{"probe": map[string]any{"id": "P-3"}}

	c := r.clone()
	c.Changes["plan"] = Change{From: "basic", To: "enterprise"}
	c.Metadata["probe"].(map[string]any)["id"] = "P-9"
	*c.TenantID = "8"

	if r.Changes["plan"].To != "pro" {
		t.Error("changes map shared with clone")
	}
	if r.Metadata["probe"].(map[string]any)["id"] != "P-3" {
		t.Error("nested metadata shared with clone")
	}
	if *r.TenantID != "7" {
		t.Error("tenant pointer shared with clone")
	}
}

func TestCloneJSON_panicsInsteadOfAliasing(t *testing.T) {
	m := Metadata{"ch": make(chan int)}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for a map that cannot be copied")
		}
	}()
	_ = cloneJSON(m)
}
