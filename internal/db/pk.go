package db

import (
	"encoding/json"
	"reflect"
	"strings"

	"entgldb/internal/errs"
	"entgldb/internal/model"
)

// toContent converts a Go value to the map[string]any content form
// PeerStore stores, round-tripping through JSON so that struct field
// naming (via `json` tags) maps onto the stored property names exactly
// as spec §4.12 requires ("Property-name mapping respects any configured
// serialization naming").
func toContent[T any](v T) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New(errs.Config, "toContent.marshal", err)
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errs.New(errs.Config, "toContent.unmarshal", err)
	}
	return content, nil
}

func fromContent[T any](content map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(content)
	if err != nil {
		return out, errs.New(errs.Config, "fromContent.marshal", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errs.New(errs.Config, "fromContent.unmarshal", err)
	}
	return out, nil
}

// resolvePrimaryKey finds doc's primary-key field and returns its string
// value, generating a UUID into it first when it's empty and the field is
// tagged for auto-generation.
//
// Detection order (spec §4.12): an explicit `entgldb:"pk"` struct tag
// first; falling back to a field named "Id" or "{TypeName}Id" (matched
// case-insensitively), the naming convention a keyless Put relies on when
// no tag is present.
func resolvePrimaryKey[T any](doc *T, typeName string) (string, error) {
	v := reflect.ValueOf(doc).Elem()
	if v.Kind() != reflect.Struct {
		return "", errs.New(errs.Config, "resolvePrimaryKey", errUnsupportedKind)
	}
	t := v.Type()

	field, autogen := findTaggedPKField(t)
	if field < 0 {
		field = findConventionalPKField(t, typeName)
		autogen = field >= 0
	}
	if field < 0 {
		return "", errs.New(errs.Config, "resolvePrimaryKey", errNoPrimaryKey)
	}

	fv := v.Field(field)
	if fv.Kind() != reflect.String {
		return "", errs.New(errs.Config, "resolvePrimaryKey", errNonStringPK)
	}
	if fv.String() == "" {
		if !autogen {
			return "", errs.New(errs.Config, "resolvePrimaryKey", errEmptyPK)
		}
		fv.SetString(model.NewUUID())
	}
	return fv.String(), nil
}

// findTaggedPKField looks for a field tagged `entgldb:"pk"` or
// `entgldb:"pk,autogen"`. Returns field index -1 when none is tagged.
func findTaggedPKField(t reflect.Type) (index int, autogen bool) {
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("entgldb")
		if tag == "" {
			continue
		}
		parts := strings.Split(tag, ",")
		if parts[0] != "pk" {
			continue
		}
		for _, p := range parts[1:] {
			if p == "autogen" {
				autogen = true
			}
		}
		return i, autogen
	}
	return -1, false
}

// findConventionalPKField looks for a field named "Id" or "{TypeName}Id"
// (case-insensitive), the fallback convention when no struct tag names
// the primary key. Conventionally-detected keys are always eligible for
// auto-generation — there's no tag to opt in with.
func findConventionalPKField(t reflect.Type, typeName string) int {
	want := strings.ToLower(typeName + "Id")
	for i := 0; i < t.NumField(); i++ {
		name := strings.ToLower(t.Field(i).Name)
		if name == "id" || name == want {
			return i
		}
	}
	return -1
}

var (
	errUnsupportedKind = pkError("entity must be a struct")
	errNoPrimaryKey    = pkError("no primary-key field found (tag `entgldb:\"pk\"` or an Id/{Type}Id field)")
	errNonStringPK     = pkError("primary-key field must be a string")
	errEmptyPK         = pkError("primary-key field is empty and not tagged for auto-generation")
)

type pkError string

func (e pkError) Error() string { return string(e) }
