package model

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/go-objectsid"
)

// Well-known attribute descriptions used by the engine.
const (
	AttrObjectClass       = "objectClass"
	AttrRef               = "ref"
	AttrAliasedObjectName = "aliasedObjectName"
	AttrHasSubordinates   = "hasSubordinates"
	AttrNumSubordinates   = "numSubordinates"
	AttrSubordinateCount  = "subordinateCount"
	AttrObjectSID         = "objectSid"
	AttrObjectGUID        = "objectGUID"

	// AllUserAttributes and AllOperationalAttributes are the RFC 4511 and
	// RFC 3673 selectors.
	AllUserAttributes        = "*"
	AllOperationalAttributes = "+"
	// NoAttributes requests no attributes at all (RFC 4511 section 4.5.1.8).
	NoAttributes = "1.1"
)

// Object classes that change how entries are handled.
const (
	ObjectClassAlias    = "alias"
	ObjectClassReferral = "referral"
	ObjectClassSubentry = "subentry"
)

const guidLength = 16

// binaryAttributes lists attribute types whose values are always binary.
var binaryAttributes = map[string]bool{
	"objectsid":            true,
	"objectguid":           true,
	"jpegphoto":            true,
	"usercertificate":      true,
	"cacertificate":        true,
	"userpassword":         true,
	"thumbnailphoto":       true,
	"ntsecuritydescriptor": true,
}

// Value is a single attribute value, kept as raw bytes.
type Value struct {
	raw    []byte
	binary bool
}

// StringValue wraps a textual value.
func StringValue(s string) Value {
	return Value{raw: []byte(s)}
}

// BinaryValue wraps a binary value.
func BinaryValue(b []byte) Value {
	return Value{raw: slices.Clone(b), binary: true}
}

// String returns the raw value as a string.
func (v Value) String() string {
	return string(v.raw)
}

// Bytes returns a copy of the raw value.
func (v Value) Bytes() []byte {
	return slices.Clone(v.raw)
}

// IsBinary reports whether the value is binary.
func (v Value) IsBinary() bool {
	return v.binary
}

// Equal compares raw bytes.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v.raw, other.raw)
}

// Attribute is an attribute description with its ordered, distinct values.
type Attribute struct {
	description string
	values      []Value
}

// NewAttribute creates an attribute. Duplicate values are dropped.
func NewAttribute(description string, values ...Value) *Attribute {
	a := &Attribute{description: description}
	for _, v := range values {
		a.AddValue(v)
	}
	return a
}

// NewStringAttribute creates an attribute from textual values.
func NewStringAttribute(description string, values ...string) *Attribute {
	a := &Attribute{description: description}
	for _, v := range values {
		a.AddValue(StringValue(v))
	}
	return a
}

// NewRawAttribute creates an attribute from values received on the wire.
// Values are binary when the attribute type is known to be binary, it
// carries the ";binary" option, or the bytes are not valid UTF-8.
func NewRawAttribute(description string, raw [][]byte) *Attribute {
	binary := binaryAttributes[strings.ToLower(baseType(description))] || hasOption(description, "binary")

	a := &Attribute{description: description}
	for _, b := range raw {
		if binary || !utf8.Valid(b) {
			a.AddValue(BinaryValue(b))
		} else {
			a.AddValue(StringValue(string(b)))
		}
	}
	return a
}

// Description returns the attribute description, including options.
func (a *Attribute) Description() string {
	return a.description
}

// Type returns the attribute type without options.
func (a *Attribute) Type() string {
	return baseType(a.description)
}

// Options returns the description options, e.g. "lang-en" of "cn;lang-en".
func (a *Attribute) Options() []string {
	_, options, ok := strings.Cut(a.description, ";")
	if !ok {
		return nil
	}
	return strings.Split(options, ";")
}

// AddValue appends v unless an equal raw value is present.
func (a *Attribute) AddValue(v Value) bool {
	if slices.ContainsFunc(a.values, v.Equal) {
		return false
	}
	a.values = append(a.values, v)
	return true
}

// Values returns the values in order.
func (a *Attribute) Values() []Value {
	return slices.Clone(a.values)
}

// StringValues returns the values as strings.
func (a *Attribute) StringValues() []string {
	out := make([]string, len(a.values))
	for i, v := range a.values {
		out[i] = v.String()
	}
	return out
}

// RawValues returns the values as byte slices.
func (a *Attribute) RawValues() [][]byte {
	out := make([][]byte, len(a.values))
	for i, v := range a.values {
		out[i] = v.Bytes()
	}
	return out
}

// Len returns the number of values.
func (a *Attribute) Len() int {
	return len(a.values)
}

// IsBinary reports whether any value is binary.
func (a *Attribute) IsBinary() bool {
	return slices.ContainsFunc(a.values, Value.IsBinary)
}

// ContainsString reports whether a value equals s, ignoring case.
func (a *Attribute) ContainsString(s string) bool {
	return slices.ContainsFunc(a.values, func(v Value) bool {
		return strings.EqualFold(v.String(), s)
	})
}

// DisplayValues renders every value for humans. Binary objectSid values are
// decoded to S-1-... form, objectGUID values to the registry GUID layout, and
// other binary values to hex.
func (a *Attribute) DisplayValues() []string {
	out := make([]string, len(a.values))
	for i, v := range a.values {
		out[i] = displayValue(a.Type(), v)
	}
	return out
}

func displayValue(attrType string, v Value) string {
	if !v.binary {
		return v.String()
	}

	switch {
	case strings.EqualFold(attrType, AttrObjectSID) && isEncodedSID(v.raw):
		return objectsid.Decode(v.raw).String()
	case strings.EqualFold(attrType, AttrObjectGUID) && len(v.raw) == guidLength:
		return formatGUID(v.raw)
	default:
		return hex.EncodeToString(v.raw)
	}
}

// isEncodedSID checks the revision, sub-authority count and length of a binary SID.
func isEncodedSID(b []byte) bool {
	return len(b) >= 8 && b[0] == 1 && len(b) == 8+4*int(b[1])
}

// formatGUID converts the mixed-endian on-the-wire GUID layout to the
// canonical string form.
func formatGUID(b []byte) string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%x-%x",
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8:10], b[10:16])
}

func baseType(description string) string {
	t, _, _ := strings.Cut(description, ";")
	return t
}

func hasOption(description, option string) bool {
	_, options, ok := strings.Cut(description, ";")
	if !ok {
		return false
	}
	return slices.ContainsFunc(strings.Split(options, ";"), func(o string) bool {
		return strings.EqualFold(o, option)
	})
}
