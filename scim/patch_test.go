package scim

import (
	"errors"
	"reflect"
	"testing"
)

func op(verb, path string, value any) PatchOperation {
	return PatchOperation{Op: verb, Path: path, Value: value}
}

func applyPatch(t *testing.T, kind Kind, flags Flags, payload map[string]any, ops ...PatchOperation) PatchResult {
	t.Helper()
	result, err := PatchEvaluator{Kind: kind, Flags: flags}.Apply(payload, ops)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return result
}

func wantScimType(t *testing.T, err error, scimType string) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s error, got nil", scimType)
	}
	var serr *SCIMError
	if !errors.As(err, &serr) || serr.ScimType != scimType {
		t.Fatalf("error = %v, want scimType %s", err, scimType)
	}
}

func TestPatchPathParsing(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"", false},
		{"userName", false},
		{"name.familyName", false},
		{`emails[type eq "work"]`, false},
		{`emails[type eq "work"].value`, false},
		{"urn:ietf:params:scim:schemas:extension:enterprise:2.0:User", false},
		{"urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:department", false},
		{"urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:manager.value", false},
		{"emails[", true},
		{"emails[]", true},
		{".familyName", true},
		{"name.", true},
		{"urn:ietf:params:scim:schemas:core:2.0:User:", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := ParsePatchPath(tt.raw)
			if tt.wantErr && err == nil {
				t.Errorf("ParsePatchPath(%q) = nil error", tt.raw)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ParsePatchPath(%q): %v", tt.raw, err)
			}
		})
	}
}

func TestPatchReplaceSimpleAttribute(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "old@example.com", "title": "Engineer"},
		op("replace", "userName", "new@example.com"),
	)
	if result.Payload["userName"] != "new@example.com" {
		t.Errorf("userName = %v", result.Payload["userName"])
	}
	if result.Payload["title"] != "Engineer" {
		t.Errorf("untouched attribute lost: %v", result.Payload)
	}
}

func TestPatchDoesNotMutateInput(t *testing.T) {
	payload := map[string]any{
		"userName": "same",
		"name":     map[string]any{"givenName": "Ada"},
	}
	applyPatch(t, UserKind, Flags{}, payload,
		op("replace", "name.givenName", "Grace"),
	)
	if payload["name"].(map[string]any)["givenName"] != "Ada" {
		t.Error("input payload was mutated")
	}
}

func TestPatchNoPathMerge(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "u", "title": "Old"},
		op("replace", "", map[string]any{
			"title":  "New",
			"active": false,
		}),
	)
	if result.Payload["title"] != "New" {
		t.Errorf("title = %v", result.Payload["title"])
	}
	if result.Payload["active"] != false {
		t.Errorf("active = %v", result.Payload["active"])
	}
}

func TestPatchNoPathRequiresObject(t *testing.T) {
	_, err := PatchEvaluator{Kind: UserKind}.Apply(map[string]any{}, []PatchOperation{
		op("replace", "", "scalar"),
	})
	wantScimType(t, err, ScimTypeInvalidValue)
}

func TestPatchUnknownOp(t *testing.T) {
	_, err := PatchEvaluator{Kind: UserKind}.Apply(map[string]any{}, []PatchOperation{
		op("delete", "userName", nil),
	})
	wantScimType(t, err, ScimTypeInvalidSyntax)
}

func TestPatchRemoveRequiresPath(t *testing.T) {
	_, err := PatchEvaluator{Kind: UserKind}.Apply(map[string]any{}, []PatchOperation{
		op("remove", "", nil),
	})
	wantScimType(t, err, ScimTypeNoTarget)
}

func TestPatchEmptyValueCollapse(t *testing.T) {
	// The empty forms IdPs send to clear an attribute all remove it on
	// replace.
	empties := []struct {
		name  string
		value any
	}{
		{"null", nil},
		{"empty string", ""},
		{"empty object", map[string]any{}},
		{"value empty string", map[string]any{"value": ""}},
		{"value null", map[string]any{"value": nil}},
	}
	for _, tt := range empties {
		t.Run(tt.name, func(t *testing.T) {
			result := applyPatch(t, UserKind, Flags{},
				map[string]any{"userName": "u", "title": "Engineer"},
				op("replace", "title", tt.value),
			)
			if _, ok := result.Payload["title"]; ok {
				t.Errorf("title survived an empty replace: %v", result.Payload)
			}
		})
	}
}

func TestPatchAddKeepsEmptyString(t *testing.T) {
	// Only replace collapses empty values; add stores what it is given.
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "u"},
		op("add", "nickName", ""),
	)
	if v, ok := result.Payload["nickName"]; !ok || v != "" {
		t.Errorf("nickName = %v, want empty string present", result.Payload)
	}
}

func TestPatchDottedPathCreatesParents(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "u"},
		op("add", "name.givenName", "Ada"),
	)
	name, ok := result.Payload["name"].(map[string]any)
	if !ok || name["givenName"] != "Ada" {
		t.Errorf("payload = %v", result.Payload)
	}
}

func TestPatchRemoveLastSubAttributePrunesParent(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{
			"userName": "u",
			"name":     map[string]any{"givenName": "Ada"},
		},
		op("remove", "name.givenName", nil),
	)
	if _, ok := result.Payload["name"]; ok {
		t.Errorf("empty name object survived: %v", result.Payload)
	}
}

func TestPatchCaseInsensitivePathsKeepSpelling(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "u", "Title": "Old"},
		op("replace", "title", "New"),
	)
	if result.Payload["Title"] != "New" {
		t.Errorf("payload = %v, want existing Title key updated", result.Payload)
	}
	if _, ok := result.Payload["title"]; ok {
		t.Error("a second title key appeared under different casing")
	}
}

func TestPatchValuePathReplace(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{
			"userName": "u",
			"emails": []any{
				map[string]any{"type": "work", "value": "old@work.example"},
				map[string]any{"type": "home", "value": "home@example.com"},
			},
		},
		op("replace", `emails[type eq "work"].value`, "new@work.example"),
	)
	emails := result.Payload["emails"].([]any)
	work := emails[0].(map[string]any)
	if work["value"] != "new@work.example" {
		t.Errorf("work email = %v", work)
	}
	home := emails[1].(map[string]any)
	if home["value"] != "home@example.com" {
		t.Errorf("home email touched: %v", home)
	}
}

func TestPatchValuePathReplaceNoMatch(t *testing.T) {
	_, err := PatchEvaluator{Kind: UserKind}.Apply(
		map[string]any{"emails": []any{map[string]any{"type": "home"}}},
		[]PatchOperation{op("replace", `emails[type eq "work"].value`, "x")},
	)
	wantScimType(t, err, ScimTypeNoTarget)
}

func TestPatchValuePathAddCreatesElement(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "u"},
		op("add", `emails[type eq "work"].value`, "w@example.com"),
	)
	emails, ok := result.Payload["emails"].([]any)
	if !ok || len(emails) != 1 {
		t.Fatalf("emails = %v", result.Payload["emails"])
	}
	elem := emails[0].(map[string]any)
	if elem["type"] != "work" || elem["value"] != "w@example.com" {
		t.Errorf("seeded element = %v", elem)
	}
}

func TestPatchValuePathRemoveFiltersElements(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{
			"emails": []any{
				map[string]any{"type": "work", "value": "w@example.com"},
				map[string]any{"type": "home", "value": "h@example.com"},
			},
		},
		op("remove", `emails[type eq "work"]`, nil),
	)
	emails := result.Payload["emails"].([]any)
	if len(emails) != 1 || emails[0].(map[string]any)["type"] != "home" {
		t.Errorf("emails = %v", emails)
	}
}

func TestPatchRemoveScalarFromArray(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{
			"emails": []any{
				map[string]any{"value": "a@example.com"},
				map[string]any{"value": "b@example.com"},
			},
		},
		op("remove", "emails", map[string]any{"value": "a@example.com"}),
	)
	emails := result.Payload["emails"].([]any)
	if len(emails) != 1 || emails[0].(map[string]any)["value"] != "b@example.com" {
		t.Errorf("emails = %v", emails)
	}
}

func TestPatchExtensionMerge(t *testing.T) {
	const enterprise = SchemaEnterpriseUser

	result := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "u"},
		op("replace", "", map[string]any{
			enterprise: map[string]any{"department": "Sales"},
		}),
	)
	ext, ok := result.Payload[enterprise].(map[string]any)
	if !ok || ext["department"] != "Sales" {
		t.Fatalf("extension = %v", result.Payload)
	}

	// A pathed write into the extension merges with what is there.
	result = applyPatch(t, UserKind, Flags{}, result.Payload,
		op("add", enterprise+":costCenter", "CC-7"),
	)
	ext = result.Payload[enterprise].(map[string]any)
	if ext["department"] != "Sales" || ext["costCenter"] != "CC-7" {
		t.Errorf("extension = %v", ext)
	}

	// Removing the last extension attribute removes the extension object.
	result = applyPatch(t, UserKind, Flags{}, result.Payload,
		op("remove", enterprise+":costCenter", nil),
		op("remove", enterprise+":department", nil),
	)
	if _, ok := result.Payload[enterprise]; ok {
		t.Errorf("empty extension survived: %v", result.Payload)
	}
}

func TestPatchWholeExtensionByURN(t *testing.T) {
	const enterprise = SchemaEnterpriseUser

	result := applyPatch(t, UserKind, Flags{},
		map[string]any{
			"userName": "u",
			enterprise: map[string]any{"department": "Sales"},
		},
		op("remove", enterprise, nil),
	)
	if _, ok := result.Payload[enterprise]; ok {
		t.Errorf("extension survived a whole-URN remove: %v", result.Payload)
	}
}

func TestPatchMemberOps(t *testing.T) {
	allFlags := Flags{
		AddMultipleMembers:    true,
		RemoveMultipleMembers: true,
		AllowRemoveAllMembers: true,
	}

	tests := []struct {
		name    string
		flags   Flags
		op      PatchOperation
		want    MemberOp
		errType string
	}{
		{
			name:  "add single member",
			flags: Flags{},
			op: op("add", "members", []any{
				map[string]any{"value": "g-1", "display": "Ada"},
			}),
			want: MemberOp{Op: "add", Members: []MemberRef{{Value: "g-1", Display: "Ada"}}},
		},
		{
			name:  "add multiple without flag",
			flags: Flags{},
			op: op("add", "members", []any{
				map[string]any{"value": "a"},
				map[string]any{"value": "b"},
			}),
			errType: ScimTypeInvalidValue,
		},
		{
			name:  "add multiple with flag",
			flags: allFlags,
			op: op("add", "members", []any{
				map[string]any{"value": "a"},
				map[string]any{"value": "b"},
			}),
			want: MemberOp{Op: "add", Members: []MemberRef{{Value: "a"}, {Value: "b"}}},
		},
		{
			name:  "remove multiple without flag",
			flags: Flags{},
			op: op("remove", "members", []any{
				map[string]any{"value": "a"},
				map[string]any{"value": "b"},
			}),
			errType: ScimTypeInvalidValue,
		},
		{
			name:    "replace empty without flag",
			flags:   Flags{},
			op:      op("replace", "members", []any{}),
			errType: ScimTypeInvalidValue,
		},
		{
			name:  "replace empty with flag clears",
			flags: allFlags,
			op:    op("replace", "members", []any{}),
			want:  MemberOp{Op: "replace", All: true},
		},
		{
			name:    "remove without value",
			flags:   allFlags,
			op:      op("remove", "members", nil),
			errType: ScimTypeInvalidValue,
		},
		{
			name:  "duplicate members collapse",
			flags: allFlags,
			op: op("add", "members", []any{
				map[string]any{"value": "a"},
				map[string]any{"value": "a", "display": "dup"},
			}),
			want: MemberOp{Op: "add", Members: []MemberRef{{Value: "a"}}},
		},
		{
			name:    "member without value",
			flags:   allFlags,
			op:      op("add", "members", []any{map[string]any{"display": "nameless"}}),
			errType: ScimTypeInvalidValue,
		},
		{
			name:    "filtered add rejected",
			flags:   allFlags,
			op:      op("add", `members[value eq "a"]`, []any{}),
			errType: ScimTypeInvalidValue,
		},
		{
			name:    "member sub-attribute rejected",
			flags:   allFlags,
			op:      op("replace", `members[value eq "a"].display`, "x"),
			errType: ScimTypeInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := PatchEvaluator{Kind: GroupKind, Flags: tt.flags}.Apply(
				map[string]any{"displayName": "Team"},
				[]PatchOperation{tt.op},
			)
			if tt.errType != "" {
				wantScimType(t, err, tt.errType)
				return
			}
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if len(result.MemberOps) != 1 {
				t.Fatalf("memberOps = %d, want 1", len(result.MemberOps))
			}
			if !reflect.DeepEqual(result.MemberOps[0], tt.want) {
				t.Errorf("memberOp = %+v, want %+v", result.MemberOps[0], tt.want)
			}
			// The payload never grows a members attribute.
			if _, ok := result.Payload["members"]; ok {
				t.Error("members leaked into the payload")
			}
		})
	}
}

func TestPatchFilteredMemberRemove(t *testing.T) {
	result := applyPatch(t, GroupKind, Flags{},
		map[string]any{"displayName": "Team"},
		op("remove", `members[value eq "u-1"]`, nil),
	)
	if len(result.MemberOps) != 1 {
		t.Fatalf("memberOps = %d", len(result.MemberOps))
	}
	mop := result.MemberOps[0]
	if mop.Op != "remove" || mop.Filter == nil {
		t.Errorf("memberOp = %+v, want filtered remove", mop)
	}
}

func TestPatchNoPathMembersKey(t *testing.T) {
	// Okta sends member changes as a pathless add with a members key.
	result := applyPatch(t, GroupKind, Flags{},
		map[string]any{"displayName": "Team"},
		op("add", "", map[string]any{
			"members": []any{map[string]any{"value": "u-1"}},
		}),
	)
	if len(result.MemberOps) != 1 || result.MemberOps[0].Op != "add" {
		t.Fatalf("memberOps = %+v", result.MemberOps)
	}
	if _, ok := result.Payload["members"]; ok {
		t.Error("members leaked into the payload")
	}
}

func TestPatchOperationsApplyInOrder(t *testing.T) {
	result := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "u"},
		op("add", "title", "First"),
		op("replace", "title", "Second"),
		op("remove", "title", nil),
		op("add", "title", "Third"),
	)
	if result.Payload["title"] != "Third" {
		t.Errorf("title = %v, want Third", result.Payload["title"])
	}
}

func TestPatchRemoveIsIdempotent(t *testing.T) {
	once := applyPatch(t, UserKind, Flags{},
		map[string]any{"userName": "u", "title": "Engineer"},
		op("remove", "title", nil),
	)
	twice := applyPatch(t, UserKind, Flags{}, once.Payload,
		op("remove", "title", nil),
	)
	if !reflect.DeepEqual(once.Payload, twice.Payload) {
		t.Errorf("second remove changed the payload: %v vs %v", once.Payload, twice.Payload)
	}
}
