package scim

import (
	"testing"

	"github.com/provisor/scimhub/store"
)

func TestPlanFilterProjectedPush(t *testing.T) {
	caps := store.Capabilities{}

	tests := []struct {
		name      string
		filter    string
		wantPush  bool
		wantResid bool
	}{
		{"userName eq", `userName eq "john"`, true, false},
		{"displayName co", `displayName co "team"`, true, false},
		{"externalId eq", `externalId eq "ext-1"`, true, false},
		{"id eq", `id eq "u-1"`, true, false},
		{"active eq bool", `active eq true`, true, false},
		{"active eq string coerces", `active eq "True"`, true, false},
		{"active pr", `active pr`, true, false},
		{"active co stays residual", `active co "tr"`, false, true},
		{"active eq garbage stays residual", `active eq "maybe"`, false, true},
		{"payload attr without caps", `title eq "Engineer"`, false, true},
		{"value path is always residual", `emails[type eq "work"]`, false, true},
		{"and splits", `userName eq "john" and title eq "Engineer"`, true, true},
		{"or pushes when both sides push", `userName eq "a" or userName eq "b"`, true, false},
		{"or with residual side stays whole", `userName eq "a" or title eq "x"`, false, true},
		{"not over pushed", `not (userName eq "a")`, true, false},
		{"not over residual", `not (title eq "x")`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PlanFilter(mustParseFilter(t, tt.filter), caps)
			if (plan.Pushed != nil) != tt.wantPush {
				t.Errorf("pushed = %v, want pushed %v", plan.Pushed, tt.wantPush)
			}
			if (plan.Residual != nil) != tt.wantResid {
				t.Errorf("residual = %v, want residual %v", plan.Residual, tt.wantResid)
			}
		})
	}
}

func TestPlanFilterStructuredPayload(t *testing.T) {
	caps := store.Capabilities{StructuredPayload: true}

	tests := []struct {
		name     string
		filter   string
		wantPush bool
	}{
		{"payload string eq", `title eq "Engineer"`, true},
		{"payload dotted path", `name.familyName eq "Smith"`, true},
		{"payload pr", `title pr`, true},
		{"ordering op stays residual", `age gt 30`, false},
		{"non-string literal stays residual", `age eq 34`, false},
		{"null literal pushes", `title eq null`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PlanFilter(mustParseFilter(t, tt.filter), caps)
			if (plan.Pushed != nil) != tt.wantPush {
				t.Errorf("pushed = %v, want pushed %v", plan.Pushed, tt.wantPush)
			}
			if tt.wantPush != plan.FullyPushed() {
				t.Errorf("FullyPushed = %v, residual %v", plan.FullyPushed(), plan.Residual)
			}
		})
	}
}

func TestPlanFilterFoldsProjectedValues(t *testing.T) {
	plan := PlanFilter(mustParseFilter(t, `userName eq "John.Smith"`), store.Capabilities{})
	p := plan.Pushed
	if p == nil || !p.Projected || !p.Fold {
		t.Fatalf("predicate = %+v, want projected fold", p)
	}
	// Values are lowered up front so backends compare without collations.
	if p.Value != "john.smith" {
		t.Errorf("value = %v, want lowered", p.Value)
	}
	if len(p.Path) != 1 || p.Path[0] != "userName" {
		t.Errorf("path = %v", p.Path)
	}
}

func TestPlanFilterNil(t *testing.T) {
	plan := PlanFilter(nil, store.Capabilities{})
	if plan.Pushed != nil || plan.Residual != nil {
		t.Errorf("plan = %+v, want empty", plan)
	}
}

// Whatever the planner pushes must agree with Evaluate row by row, or
// the two backends would return different result sets for one filter.
func TestPlanMatchesEvaluate(t *testing.T) {
	active := true
	inactive := false
	rows := []*store.Resource{
		{
			SCIMID:   "u-1",
			UserName: "john.smith@example.com",
			Active:   &active,
			Payload: map[string]any{
				"userName": "John.Smith@example.com",
				"active":   true,
				"title":    "Engineer",
			},
		},
		{
			SCIMID:   "u-2",
			UserName: "jane.doe@example.com",
			Active:   &inactive,
			Payload: map[string]any{
				"userName": "Jane.Doe@example.com",
				"active":   false,
				"title":    "Manager",
			},
		},
		{
			SCIMID:     "u-3",
			UserName:   "sam.lee@example.com",
			ExternalID: "ext-3",
			Payload: map[string]any{
				"userName":   "sam.lee@example.com",
				"externalId": "ext-3",
			},
		},
	}

	filters := []string{
		`userName eq "JOHN.SMITH@EXAMPLE.COM"`,
		`userName sw "j"`,
		`active eq true`,
		`active eq "False"`,
		`active pr`,
		`externalId pr`,
		`userName sw "j" and active eq true`,
		`userName eq "sam.lee@example.com" or userName eq "jane.doe@example.com"`,
		`not (active eq true)`,
	}

	for _, filter := range filters {
		t.Run(filter, func(t *testing.T) {
			expr := mustParseFilter(t, filter)
			plan := PlanFilter(expr, store.Capabilities{})
			if !plan.FullyPushed() {
				t.Fatalf("filter did not fully push: residual %v", plan.Residual)
			}
			for _, row := range rows {
				got := plan.Pushed.Match(row)
				want := Evaluate(expr, row.Payload)
				if got != want {
					t.Errorf("row %s: pushed %v, evaluated %v", row.SCIMID, got, want)
				}
			}
		})
	}
}
