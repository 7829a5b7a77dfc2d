package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttributeType(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want AttributeType
	}{
		{
			name: "single name",
			desc: "( 2.5.18.9 NAME 'hasSubordinates' DESC 'X.501: entry has children' EQUALITY booleanMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.7 SINGLE-VALUE NO-USER-MODIFICATION USAGE directoryOperation )",
			want: AttributeType{
				OID:    "2.5.18.9",
				Names:  []string{"hasSubordinates"},
				Syntax: "1.3.6.1.4.1.1466.115.121.1.7",
				Usage:  UsageDirectoryOperation,
			},
		},
		{
			name: "parenthesized name list",
			desc: "( 2.5.4.49 NAME ( 'distinguishedName' ) EQUALITY distinguishedNameMatch SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 )",
			want: AttributeType{
				OID:    "2.5.4.49",
				Names:  []string{"distinguishedName"},
				Syntax: SyntaxDN,
			},
		},
		{
			name: "inherited syntax",
			desc: "( 2.5.4.31 NAME 'member' SUP distinguishedName )",
			want: AttributeType{
				OID:       "2.5.4.31",
				Names:     []string{"member"},
				SuperType: "distinguishedName",
			},
		},
		{
			name: "quoted syntax with length and DESC mentioning USAGE",
			desc: "( 1.2.3 NAME ( 'a' 'b' ) DESC 'not USAGE dSAOperation here' SYNTAX '1.3.6.1.4.1.1466.115.121.1.15{64}' USAGE dSAOperation )",
			want: AttributeType{
				OID:    "1.2.3",
				Names:  []string{"a", "b"},
				Syntax: "1.3.6.1.4.1.1466.115.121.1.15",
				Usage:  UsageDSAOperation,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAttributeType(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}

	_, err := ParseAttributeType("NAME 'x'")
	assert.Error(t, err)
}

func TestSchema_DNSyntaxFollowsSupertypes(t *testing.T) {
	var types []*AttributeType
	for _, desc := range []string{
		"( 2.5.4.49 NAME 'distinguishedName' SYNTAX 1.3.6.1.4.1.1466.115.121.1.12 )",
		"( 2.5.4.31 NAME 'member' SUP distinguishedName )",
		"( 2.5.4.3 NAME 'cn' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15 )",
		"( 1.1.1 NAME 'loopA' SUP loopB )",
		"( 1.1.2 NAME 'loopB' SUP loopA )",
	} {
		at, err := ParseAttributeType(desc)
		require.NoError(t, err)
		types = append(types, at)
	}
	s := NewSchema(types)

	assert.True(t, s.IsDNSyntax("member"))
	assert.True(t, s.IsDNSyntax("MEMBER;range=0-10"))
	assert.True(t, s.IsDNSyntax("2.5.4.49"))
	assert.False(t, s.IsDNSyntax("cn"))
	assert.False(t, s.IsDNSyntax("unknown"))
	assert.False(t, s.IsDNSyntax("loopA"))
}

func TestDefaultSchema(t *testing.T) {
	s := DefaultSchema()

	assert.True(t, s.IsOperational("createTimestamp"))
	assert.True(t, s.IsOperational("namingContexts"))
	assert.True(t, s.IsOperational("ref"))
	assert.False(t, s.IsOperational("cn"))
	assert.False(t, s.IsOperational("notInSchema"))
	assert.True(t, s.IsDNSyntax("aliasedEntryName"))

	names := s.OperationalAttributeNames()
	assert.Contains(t, names, "hasSubordinates")
	assert.NotContains(t, names, "objectClass")

	attr, ok := s.ChildrenDetectionAttribute()
	require.True(t, ok)
	assert.Equal(t, AttrHasSubordinates, attr)
}

func TestSchema_ChildrenDetectionFallback(t *testing.T) {
	numSub, err := ParseAttributeType("( 1.3.6.1.4.1.453.16.2.103 NAME 'numSubordinates' USAGE dSAOperation )")
	require.NoError(t, err)

	attr, ok := NewSchema([]*AttributeType{numSub}).ChildrenDetectionAttribute()
	require.True(t, ok)
	assert.Equal(t, AttrNumSubordinates, attr)

	_, ok = NewSchema(nil).ChildrenDetectionAttribute()
	assert.False(t, ok)
}
