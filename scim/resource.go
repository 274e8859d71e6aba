package scim

import (
	"fmt"
	"sort"
	"strings"

	"github.com/provisor/scimhub/store"
)

// Kind parameterizes the resource handlers over a SCIM resource type.
// One orchestrator serves both Users and Groups; Kind carries the few
// facts that differ.
type Kind struct {
	Name         string // store.TypeUser or store.TypeGroup
	PathSegment  string
	SchemaURN    string
	RequiredAttr string
	HasMembers   bool
}

var (
	UserKind = Kind{
		Name:         store.TypeUser,
		PathSegment:  "Users",
		SchemaURN:    SchemaUser,
		RequiredAttr: "userName",
	}
	GroupKind = Kind{
		Name:         store.TypeGroup,
		PathSegment:  "Groups",
		SchemaURN:    SchemaGroup,
		RequiredAttr: "displayName",
		HasMembers:   true,
	}
)

// Projected carries the first-class fields lifted from a payload. The
// store indexes these alongside the document so filters and uniqueness
// never parse JSON.
type Projected struct {
	UserName    string
	DisplayName string
	ExternalID  string
	Active      *bool
}

// RequiredValue returns the value of the kind's required attribute.
func (p Projected) RequiredValue(kind Kind) string {
	if kind.RequiredAttr == "displayName" {
		return p.DisplayName
	}
	return p.UserName
}

// Normalized is a request body reduced to storable form: the payload
// with protocol attributes stripped, the projected fields, and the
// member list for groups.
type Normalized struct {
	Payload   map[string]any
	Projected Projected
	Members   []MemberRef
}

// NormalizeResource prepares an inbound document for storage. It strips
// schemas, id, meta, and password, lifts members out of group payloads,
// and extracts projected fields. The input document is not mutated.
func NormalizeResource(kind Kind, doc map[string]any) (Normalized, error) {
	payload := copyMap(doc)
	if payload == nil {
		payload = map[string]any{}
	}
	for _, attr := range []string{"schemas", "id", "meta", "password"} {
		delete(payload, canonicalKey(payload, attr))
	}

	var members []MemberRef
	if kind.HasMembers {
		key := canonicalKey(payload, "members")
		if raw, ok := payload[key]; ok {
			arr, ok := raw.([]any)
			if !ok {
				return Normalized{}, ErrInvalidValue("members must be an array")
			}
			refs, err := memberRefs(arr)
			if err != nil {
				return Normalized{}, err
			}
			members = refs
			delete(payload, key)
		}
	}

	projected, err := ExtractProjected(payload)
	if err != nil {
		return Normalized{}, err
	}
	return Normalized{Payload: payload, Projected: projected, Members: members}, nil
}

// ExtractProjected reads the payload's top-level identity fields. The
// active flag is normalized to a real boolean in the payload so the
// projected column and the document always agree.
func ExtractProjected(payload map[string]any) (Projected, error) {
	var p Projected
	var err error
	if p.UserName, err = stringAttr(payload, "userName"); err != nil {
		return Projected{}, err
	}
	if p.DisplayName, err = stringAttr(payload, "displayName"); err != nil {
		return Projected{}, err
	}
	if p.ExternalID, err = stringAttr(payload, "externalId"); err != nil {
		return Projected{}, err
	}

	key := canonicalKey(payload, "active")
	if raw, ok := payload[key]; ok && raw != nil {
		b, err := ParseLenientBool(raw)
		if err != nil {
			return Projected{}, ErrInvalidValue(fmt.Sprintf("active: %s", err))
		}
		payload[key] = b
		p.Active = &b
	}
	return p, nil
}

func stringAttr(payload map[string]any, name string) (string, error) {
	raw := lookupKey(payload, name)
	if raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", ErrInvalidValue(fmt.Sprintf("%s must be a string", name))
	}
	return s, nil
}

// ValidateResource enforces the kind's required attribute.
func ValidateResource(kind Kind, n Normalized) error {
	if n.Projected.RequiredValue(kind) == "" {
		return ErrInvalidValue(fmt.Sprintf("%s is required", kind.RequiredAttr))
	}
	return nil
}

// BuildResource materializes a stored row as a SCIM document: payload
// plus id, schemas, composed members, and meta with the version ETag.
func (h *Handler) BuildResource(endpointID string, kind Kind, res *store.Resource, members []store.Member) map[string]any {
	doc := copyMap(res.Payload)
	if doc == nil {
		doc = map[string]any{}
	}
	doc["id"] = res.SCIMID
	doc["schemas"] = resourceSchemas(kind, doc)

	if kind.HasMembers {
		delete(doc, canonicalKey(doc, "members"))
		if len(members) > 0 {
			refs := make([]any, 0, len(members))
			for _, m := range members {
				typ := m.Type
				if typ == "" {
					typ = store.TypeUser
				}
				ref := map[string]any{
					"value": m.MemberID,
					"type":  typ,
					"$ref":  h.GetResourceLocation(endpointID, segmentForType(typ), m.MemberID),
				}
				if m.Display != "" {
					ref["display"] = m.Display
				}
				refs = append(refs, ref)
			}
			doc["members"] = refs
		}
	}

	created := res.Created
	modified := res.Modified
	doc["meta"] = Meta{
		ResourceType: kind.Name,
		Created:      &created,
		LastModified: &modified,
		Location:     h.GetResourceLocation(endpointID, kind.PathSegment, res.SCIMID),
		Version:      ETag(res.Version),
	}
	return doc
}

// resourceSchemas lists the core URN followed by every extension URN
// present in the document, sorted for stable output.
func resourceSchemas(kind Kind, doc map[string]any) []string {
	schemas := []string{kind.SchemaURN}
	var extensions []string
	for key := range doc {
		if strings.HasPrefix(strings.ToLower(key), "urn:") {
			extensions = append(extensions, key)
		}
	}
	sort.Strings(extensions)
	return append(schemas, extensions...)
}

func segmentForType(typ string) string {
	if strings.EqualFold(typ, store.TypeGroup) {
		return GroupKind.PathSegment
	}
	return UserKind.PathSegment
}
