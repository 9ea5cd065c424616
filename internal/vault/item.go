package vault

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Item is a vault record as returned by "bw get item". Optional
// sub-records that are missing, null or of the wrong shape decode to their
// zero value instead of failing the whole item.
type Item struct {
	ID     string
	Name   string
	Login  *Login
	Fields []CustomField
}

// Login is the login sub-record. Nil pointers mean the value is absent.
type Login struct {
	Username *string
	Password *string
	URIs     []LoginURI
}

// LoginURI is one entry of the login URI list.
type LoginURI struct {
	URI *string
}

// CustomField is a user-defined (name, value) pair.
type CustomField struct {
	Name  string
	Value *string
}

// RoleKind enumerates the semantic roles a field can be requested by.
type RoleKind int

const (
	RoleUsername RoleKind = iota
	RolePassword
	RoleURI
	RoleCustom
)

// FieldRole selects a field of an Item. The zero value is the username role.
type FieldRole struct {
	kind RoleKind
	name string
}

var (
	Username = FieldRole{kind: RoleUsername}
	Password = FieldRole{kind: RolePassword}
	URI      = FieldRole{kind: RoleURI}
)

// Custom selects the custom field with the given (case-sensitive) name.
func Custom(name string) FieldRole { return FieldRole{kind: RoleCustom, name: name} }

// Kind returns the role's kind.
func (r FieldRole) Kind() RoleKind { return r.kind }

// Name returns the custom field name; empty for the built-in roles.
func (r FieldRole) Name() string { return r.name }

func (r FieldRole) String() string {
	switch r.kind {
	case RoleUsername:
		return "username"
	case RolePassword:
		return "password"
	case RoleURI:
		return "uri"
	case RoleCustom:
		return "field:" + r.name
	default:
		return fmt.Sprintf("role(%d)", int(r.kind))
	}
}

// Field resolves role against the item. ok is false when the field is
// absent, which is a normal outcome rather than an error:
//   - username/password read the login sub-record
//   - uri reads the first URI list entry only
//   - custom returns the first field whose name matches exactly
func (it *Item) Field(role FieldRole) (value string, ok bool) {
	if it == nil {
		return "", false
	}
	switch role.kind {
	case RoleUsername:
		if it.Login != nil {
			return deref(it.Login.Username)
		}
	case RolePassword:
		if it.Login != nil {
			return deref(it.Login.Password)
		}
	case RoleURI:
		if it.Login != nil && len(it.Login.URIs) > 0 {
			return deref(it.Login.URIs[0].URI)
		}
	case RoleCustom:
		for _, f := range it.Fields {
			if f.Name == role.name {
				return deref(f.Value)
			}
		}
	}
	return "", false
}

func deref(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	return *s, true
}

// ParseItem decodes a "bw get item" payload. Only a payload that is not a
// JSON object is an error.
func ParseItem(data []byte) (*Item, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decoding item: %w", err)
	}
	if obj == nil {
		return nil, errors.New("decoding item: payload is null")
	}

	item := &Item{}
	item.ID, _ = lenientString(obj["id"])
	item.Name, _ = lenientString(obj["name"])
	item.Login = parseLogin(obj["login"])
	item.Fields = parseFields(obj["fields"])
	return item, nil
}

func parseLogin(raw json.RawMessage) *Login {
	var obj map[string]json.RawMessage
	if !lenient(raw, &obj) || obj == nil {
		return nil
	}
	login := &Login{
		Username: lenientStringPtr(obj["username"]),
		Password: lenientStringPtr(obj["password"]),
	}
	var entries []json.RawMessage
	if lenient(obj["uris"], &entries) {
		login.URIs = make([]LoginURI, 0, len(entries))
		for _, e := range entries {
			var uri map[string]json.RawMessage
			if !lenient(e, &uri) {
				// Keep the position so "first entry" still means the first one.
				login.URIs = append(login.URIs, LoginURI{})
				continue
			}
			login.URIs = append(login.URIs, LoginURI{URI: lenientStringPtr(uri["uri"])})
		}
	}
	return login
}

func parseFields(raw json.RawMessage) []CustomField {
	var entries []json.RawMessage
	if !lenient(raw, &entries) {
		return nil
	}
	fields := make([]CustomField, 0, len(entries))
	for _, e := range entries {
		var obj map[string]json.RawMessage
		if !lenient(e, &obj) {
			continue
		}
		name, ok := lenientString(obj["name"])
		if !ok {
			continue
		}
		fields = append(fields, CustomField{Name: name, Value: lenientStringPtr(obj["value"])})
	}
	return fields
}

func lenient(raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func lenientString(raw json.RawMessage) (string, bool) {
	var s *string
	if !lenient(raw, &s) || s == nil {
		return "", false
	}
	return *s, true
}

func lenientStringPtr(raw json.RawMessage) *string {
	if s, ok := lenientString(raw); ok {
		return &s
	}
	return nil
}
