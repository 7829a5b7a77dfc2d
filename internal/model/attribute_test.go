package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttribute_RejectsDuplicateValues(t *testing.T) {
	a := NewStringAttribute("mail", "a@example.com", "b@example.com", "a@example.com")

	assert.Equal(t, 2, a.Len())
	assert.False(t, a.AddValue(StringValue("b@example.com")))
	assert.True(t, a.AddValue(StringValue("B@example.com")))
	assert.Equal(t, []string{"a@example.com", "b@example.com", "B@example.com"}, a.StringValues())
}

func TestAttribute_Options(t *testing.T) {
	a := NewStringAttribute("cn;lang-de;x-foo", "Hans")

	assert.Equal(t, "cn", a.Type())
	assert.Equal(t, []string{"lang-de", "x-foo"}, a.Options())
	assert.Nil(t, NewStringAttribute("cn").Options())
}

func TestAttribute_ContainsStringIgnoresCase(t *testing.T) {
	a := NewStringAttribute(AttrObjectClass, "top", "organizationalUnit")

	assert.True(t, a.ContainsString("ORGANIZATIONALUNIT"))
	assert.False(t, a.ContainsString("person"))
}

func TestNewRawAttribute_DetectsBinary(t *testing.T) {
	tests := []struct {
		name        string
		description string
		raw         [][]byte
		binary      bool
	}{
		{"text", "cn", [][]byte{[]byte("Bob")}, false},
		{"known binary type", "objectGUID", [][]byte{[]byte("0123456789abcdef")}, true},
		{"binary option", "userCertificate;binary", [][]byte{[]byte("cert")}, true},
		{"invalid utf-8", "description", [][]byte{{0xff, 0xfe}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewRawAttribute(tt.description, tt.raw)
			assert.Equal(t, tt.binary, a.IsBinary())
			assert.Equal(t, tt.raw, a.RawValues())
		})
	}
}

func TestAttribute_DisplayValues(t *testing.T) {
	sid := []byte{
		0x01, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05,
		0x15, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0xf4, 0x01, 0x00, 0x00,
	}
	guid := []byte{
		0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	}

	tests := []struct {
		name string
		attr *Attribute
		want []string
	}{
		{
			name: "text",
			attr: NewStringAttribute("cn", "Bob"),
			want: []string{"Bob"},
		},
		{
			name: "object sid",
			attr: NewRawAttribute(AttrObjectSID, [][]byte{sid}),
			want: []string{"S-1-5-21-1-2-3-500"},
		},
		{
			name: "malformed sid falls back to hex",
			attr: NewRawAttribute(AttrObjectSID, [][]byte{{0x01, 0x05, 0x00}}),
			want: []string{"010500"},
		},
		{
			name: "object guid",
			attr: NewRawAttribute(AttrObjectGUID, [][]byte{guid}),
			want: []string{"00112233-4455-6677-8899-aabbccddeeff"},
		},
		{
			name: "other binary",
			attr: NewAttribute("jpegPhoto", BinaryValue([]byte{0xca, 0xfe})),
			want: []string{"cafe"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attr.DisplayValues())
		})
	}
}

func TestValue_CopiesBytes(t *testing.T) {
	raw := []byte{1, 2, 3}
	v := BinaryValue(raw)
	raw[0] = 9

	assert.Equal(t, []byte{1, 2, 3}, v.Bytes())
	assert.True(t, v.Equal(BinaryValue([]byte{1, 2, 3})))
}
