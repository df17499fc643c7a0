package schema

import (
	"errors"
	"testing"

	"ledgerbridge/internal/domain"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	return v
}

func evt(name string, version int, payload string) domain.Event {
	return domain.Event{
		Name:        name,
		Version:     version,
		TxID:        "tx-1",
		Position:    domain.Position{Block: 1, Index: 0},
		PayloadJSON: payload,
	}
}

func TestKnownSchemas(t *testing.T) {
	v := newValidator(t)
	for _, name := range []string{"account.opened", "account.kyc_approved", "transfer.completed", "governance.vote_recorded"} {
		if !v.Known(name, 1) {
			t.Errorf("schema %s v1 missing", name)
		}
		if v.Known(name, 2) {
			t.Errorf("schema %s v2 should be unknown", name)
		}
	}
}

func TestValidatePasses(t *testing.T) {
	v := newValidator(t)
	cases := []domain.Event{
		evt("account.opened", 1, `{"account_id":"a1","tenant_id":"t1","display_name":"Alice"}`),
		evt("account.kyc_approved", 1, `{"account_id":"a1"}`),
		evt("transfer.completed", 1, `{"from_account":"a1","to_account":"a2","amount":25}`),
		evt("governance.vote_recorded", 1, `{"proposal_id":"p1","voter_account":"a1","choice":"abstain"}`),
	}
	for _, e := range cases {
		if err := v.Validate(e); err != nil {
			t.Errorf("%s: %v", e.Name, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	v := newValidator(t)
	cases := []struct {
		desc string
		e    domain.Event
	}{
		{"unknown name", evt("account.closed", 1, `{}`)},
		{"unknown version", evt("account.opened", 2, `{"account_id":"a1","tenant_id":"t1","display_name":"x"}`)},
		{"missing field", evt("account.opened", 1, `{"account_id":"a1"}`)},
		{"undeclared field", evt("account.kyc_approved", 1, `{"account_id":"a1","extra":true}`)},
		{"wrong type", evt("transfer.completed", 1, `{"from_account":"a1","to_account":"a2","amount":"25"}`)},
		{"non-positive amount", evt("transfer.completed", 1, `{"from_account":"a1","to_account":"a2","amount":0}`)},
		{"bad enum", evt("governance.vote_recorded", 1, `{"proposal_id":"p1","voter_account":"a1","choice":"maybe"}`)},
		{"not json", evt("account.opened", 1, `{`)},
	}
	for _, tc := range cases {
		err := v.Validate(tc.e)
		if err == nil {
			t.Errorf("%s: expected rejection", tc.desc)
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: error is %T, want *ValidationError", tc.desc, err)
		}
	}
}
