package model

import (
	"fmt"
	"regexp"
	"strings"
)

// SyntaxDN is the OID of the Distinguished Name syntax.
const SyntaxDN = "1.3.6.1.4.1.1466.115.121.1.12"

// Usage is the USAGE field of an attribute type description.
type Usage int

const (
	UsageUserApplications Usage = iota
	UsageDirectoryOperation
	UsageDistributedOperation
	UsageDSAOperation
)

// AttributeType is the subset of an RFC 4512 attribute type description the
// engine relies on.
type AttributeType struct {
	OID       string
	Names     []string
	SuperType string
	Syntax    string
	Usage     Usage
}

// Name returns the primary name, or the OID when the type has no name.
func (t *AttributeType) Name() string {
	if len(t.Names) > 0 {
		return t.Names[0]
	}
	return t.OID
}

// IsOperational reports whether the type is not a user attribute.
func (t *AttributeType) IsOperational() bool {
	return t.Usage != UsageUserApplications
}

var (
	descRe   = regexp.MustCompile(`\sDESC\s+'(?:[^'\\]|\\.)*'`)
	oidRe    = regexp.MustCompile(`^\(\s*([\w.\-]+)`)
	nameRe   = regexp.MustCompile(`\sNAME\s+(?:'([^']*)'|\(\s*((?:'[^']*'\s*)+)\))`)
	supRe    = regexp.MustCompile(`\sSUP\s+([\w.\-]+)`)
	syntaxRe = regexp.MustCompile(`\sSYNTAX\s+'?([\d.]+)`)
	usageRe  = regexp.MustCompile(`\sUSAGE\s+([A-Za-z]+)`)
	quotedRe = regexp.MustCompile(`'([^']*)'`)
)

// ParseAttributeType parses an attributeTypes value of a subschema subentry.
func ParseAttributeType(description string) (*AttributeType, error) {
	s := descRe.ReplaceAllString(strings.TrimSpace(description), "")

	m := oidRe.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("invalid attribute type description %q", description)
	}
	t := &AttributeType{OID: m[1]}

	if m := nameRe.FindStringSubmatch(s); m != nil {
		if m[1] != "" {
			t.Names = []string{m[1]}
		} else {
			for _, q := range quotedRe.FindAllStringSubmatch(m[2], -1) {
				t.Names = append(t.Names, q[1])
			}
		}
	}
	if m := supRe.FindStringSubmatch(s); m != nil {
		t.SuperType = m[1]
	}
	if m := syntaxRe.FindStringSubmatch(s); m != nil {
		t.Syntax = m[1]
	}
	if m := usageRe.FindStringSubmatch(s); m != nil {
		switch m[1] {
		case "directoryOperation":
			t.Usage = UsageDirectoryOperation
		case "distributedOperation":
			t.Usage = UsageDistributedOperation
		case "dSAOperation":
			t.Usage = UsageDSAOperation
		}
	}

	return t, nil
}

// Schema indexes attribute types by lower-cased name and OID.
type Schema struct {
	types []*AttributeType
	index map[string]*AttributeType
}

// NewSchema builds a schema from attribute types. Later types win on name clashes.
func NewSchema(types []*AttributeType) *Schema {
	s := &Schema{index: make(map[string]*AttributeType, len(types)*2)}
	for _, t := range types {
		s.types = append(s.types, t)
		s.index[strings.ToLower(t.OID)] = t
		for _, name := range t.Names {
			s.index[strings.ToLower(name)] = t
		}
	}
	return s
}

// defaultAttributeTypes are used until the server schema has been read.
var defaultAttributeTypes = []string{
	"( 2.5.4.0 NAME 'objectClass' SYNTAX 1.3.6.1.4.1.1466.115.121.1.38 )",
	"( 2.5.4.1 NAME ( 'aliasedObjectName' 'aliasedEntryName' ) SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE )",
	"( 2.5.4.3 NAME ( 'cn' 'commonName' ) SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 )",
	"( 2.5.4.31 NAME 'member' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 )",
	"( 2.5.4.32 NAME 'owner' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 )",
	"( 2.5.4.34 NAME 'seeAlso' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 )",
	"( 2.5.4.50 NAME 'uniqueMember' SYNTAX 1.3.6.1.4.1.1466.115.121.1.34 )",
	"( 0.9.2342.19200300.100.1.10 NAME 'manager' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 )",
	"( 2.16.840.1.113730.3.1.34 NAME 'ref' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 USAGE distributedOperation )",
	"( 2.5.18.1 NAME 'createTimestamp' SYNTAX 1.3.6.1.4.1.1466.115.121.1.24 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 2.5.18.2 NAME 'modifyTimestamp' SYNTAX 1.3.6.1.4.1.1466.115.121.1.24 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 2.5.18.3 NAME 'creatorsName' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 2.5.18.4 NAME 'modifiersName' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 2.5.18.9 NAME 'hasSubordinates' SYNTAX 1.3.6.1.4.1.1466.115.121.1.7 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 2.5.18.10 NAME 'subschemaSubentry' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 2.5.21.9 NAME 'structuralObjectClass' SYNTAX 1.3.6.1.4.1.1466.115.121.1.38 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 1.3.6.1.1.16.4 NAME 'entryUUID' SYNTAX 1.3.6.1.1.16.1 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 1.3.6.1.1.20 NAME 'entryDN' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 1.3.6.1.4.1.453.16.2.103 NAME 'numSubordinates' SYNTAX 1.3.6.1.4.1.1466.115.121.1.27 SINGLE-VALUE NO-USER-MODIFICATION USAGE dSAOperation )",
	"( 2.16.840.1.113719.1.27.4.48 NAME 'subordinateCount' SYNTAX 1.3.6.1.4.1.1466.115.121.1.27 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
	"( 1.3.6.1.4.1.1466.101.120.5 NAME 'namingContexts' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 USAGE dSAOperation )",
	"( 1.3.6.1.4.1.1466.101.120.6 NAME 'altServer' SYNTAX 1.3.6.1.4.1.1466.115.121.1.26 USAGE dSAOperation )",
	"( 1.3.6.1.4.1.1466.101.120.7 NAME 'supportedExtension' SYNTAX 1.3.6.1.4.1.1466.115.121.1.38 USAGE dSAOperation )",
	"( 1.3.6.1.4.1.1466.101.120.13 NAME 'supportedControl' SYNTAX 1.3.6.1.4.1.1466.115.121.1.38 USAGE dSAOperation )",
	"( 1.3.6.1.4.1.1466.101.120.14 NAME 'supportedSASLMechanisms' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 USAGE dSAOperation )",
	"( 1.3.6.1.4.1.1466.101.120.15 NAME 'supportedLDAPVersion' SYNTAX 1.3.6.1.4.1.1466.115.121.1.27 USAGE dSAOperation )",
	"( 1.3.6.1.4.1.4203.1.3.5 NAME 'supportedFeatures' SYNTAX 1.3.6.1.4.1.1466.115.121.1.38 USAGE dSAOperation )",
	"( 1.3.6.1.1.4 NAME 'vendorName' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 SINGLE-VALUE NO-USER-MODIFICATION USAGE dSAOperation )",
	"( 1.3.6.1.1.5 NAME 'vendorVersion' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 SINGLE-VALUE NO-USER-MODIFICATION USAGE dSAOperation )",
	"( 1.3.6.1.4.1.4203.1.12.2.1 NAME 'configContext' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE NO-USER-MODIFICATION USAGE dSAOperation )",
	"( 1.3.6.1.4.1.4203.666.1.10 NAME 'monitorContext' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 SINGLE-VALUE NO-USER-MODIFICATION USAGE dSAOperation )",
}

// DefaultSchema returns the built-in schema of well-known attribute types.
func DefaultSchema() *Schema {
	types := make([]*AttributeType, 0, len(defaultAttributeTypes))
	for _, desc := range defaultAttributeTypes {
		t, err := ParseAttributeType(desc)
		if err != nil {
			panic(err)
		}
		types = append(types, t)
	}
	return NewSchema(types)
}

// Lookup finds an attribute type by name or OID. Options are ignored.
func (s *Schema) Lookup(description string) (*AttributeType, bool) {
	t, ok := s.index[strings.ToLower(baseType(description))]
	return t, ok
}

// Has reports whether the schema declares the attribute type.
func (s *Schema) Has(description string) bool {
	_, ok := s.Lookup(description)
	return ok
}

// IsOperational reports whether the attribute is operational. Unknown
// attributes are user attributes.
func (s *Schema) IsOperational(description string) bool {
	t, ok := s.Lookup(description)
	return ok && t.IsOperational()
}

// IsDNSyntax reports whether the attribute holds DNs, following SUP chains.
func (s *Schema) IsDNSyntax(description string) bool {
	return s.syntax(description, 0) == SyntaxDN
}

func (s *Schema) syntax(description string, depth int) string {
	t, ok := s.Lookup(description)
	if !ok || depth > 16 {
		return ""
	}
	if t.Syntax != "" || t.SuperType == "" {
		return t.Syntax
	}
	return s.syntax(t.SuperType, depth+1)
}

// OperationalAttributeNames returns the names of all operational types.
func (s *Schema) OperationalAttributeNames() []string {
	var names []string
	for _, t := range s.types {
		if t.IsOperational() {
			names = append(names, t.Name())
		}
	}
	return names
}

// ChildrenDetectionAttribute returns the first supported attribute among
// hasSubordinates, numSubordinates and subordinateCount.
func (s *Schema) ChildrenDetectionAttribute() (string, bool) {
	for _, name := range []string{AttrHasSubordinates, AttrNumSubordinates, AttrSubordinateCount} {
		if s.Has(name) {
			return name, true
		}
	}
	return "", false
}

// Len returns the number of attribute types.
func (s *Schema) Len() int {
	return len(s.types)
}
