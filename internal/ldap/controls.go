package ldap

import (
	"fmt"
	"slices"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Control and feature OIDs used by the synchronization engine that go-ldap
// does not define.
const (
	// ControlTypeSubentries is the RFC 3672 subentries control.
	ControlTypeSubentries = "1.3.6.1.4.1.4203.1.10.1"

	// ControlTypeSubtreeDelete asks the server to delete an entry with all of
	// its descendants.
	ControlTypeSubtreeDelete = "1.2.840.113556.1.4.805"

	// FeatureAllOperationalAttributes advertises support for the "+" selector (RFC 3673).
	FeatureAllOperationalAttributes = "1.3.6.1.4.1.4203.1.5.1"
)

// ControlSubentries makes subentries visible (or exclusively visible) in a search.
type ControlSubentries struct {
	Criticality bool
	Visibility  bool
}

// NewControlSubentries returns a critical subentries control requesting visibility.
func NewControlSubentries() *ControlSubentries {
	return &ControlSubentries{Criticality: true, Visibility: true}
}

// GetControlType returns the OID.
func (c *ControlSubentries) GetControlType() string {
	return ControlTypeSubentries
}

// Encode returns the BER packet representation.
func (c *ControlSubentries) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ControlTypeSubentries, "Control Type (Subentries)"))
	if c.Criticality {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.Criticality, "Criticality"))
	}

	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value (Subentries)")
	value.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.Visibility, "Visibility"))
	packet.AppendChild(value)

	return packet
}

// String returns a human-readable description.
func (c *ControlSubentries) String() string {
	return fmt.Sprintf("Control Type: Subentries (%q)  Criticality: %t  Visibility: %t", ControlTypeSubentries, c.Criticality, c.Visibility)
}

// NewControlSubtreeDelete returns a critical subtree delete control.
func NewControlSubtreeDelete() ldap.Control {
	return ldap.NewControlString(ControlTypeSubtreeDelete, true, "")
}

// HasControl reports whether controls contains a control of the given type.
func HasControl(controls []ldap.Control, controlType string) bool {
	return slices.ContainsFunc(controls, func(c ldap.Control) bool {
		return c != nil && c.GetControlType() == controlType
	})
}

// requestControls returns the controls to send for a request, adding
// ManageDsaIT when referrals are managed.
func requestControls(mode ReferralHandling, controls []ldap.Control) []ldap.Control {
	out := slices.Clone(controls)
	if mode == ReferralsManage && !HasControl(out, ldap.ControlTypeManageDsaIT) {
		out = append(out, ldap.NewControlManageDsaIT(false))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// PagingCookie extracts the paged results cookie from response controls.
// A nil cookie means the result set is complete.
func PagingCookie(controls []ldap.Control) []byte {
	paging, ok := ldap.FindControl(controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
	if !ok || len(paging.Cookie) == 0 {
		return nil
	}
	return paging.Cookie
}
