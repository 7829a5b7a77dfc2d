package directory

import (
	"strings"

	"github.com/isometry/ldapsync/internal/model"
)

// OIDs that distinguish OpenLDAP releases.
const (
	oidDontUseCopy          = "1.3.6.1.1.22"
	oidProxiedAuthorization = "2.16.840.1.113730.3.4.18"
	oidWhoAmI               = "1.3.6.1.4.1.4203.1.11.3"
	oidAbsoluteTrueFalse    = "1.3.6.1.4.1.4203.1.5.4"
)

// DetectServerType identifies the directory product from Root DSE attributes.
func DetectServerType(root *model.Entry) model.ServerType {
	vendorName := root.FirstValue(model.AttrVendorName)
	vendorVersion := root.FirstValue(model.AttrVendorVersion)

	if vendorName != "" && vendorVersion != "" {
		if t, ok := detectByVendor(vendorName, vendorVersion); ok {
			return t
		}
	}

	if _, ok := root.Attribute(model.AttrRootDomainNamingContext); ok {
		if _, ok := root.Attribute(model.AttrForestFunctionality); ok {
			return model.ServerActiveDirectory2003
		}
		return model.ServerActiveDirectory2000
	}

	if root.HasObjectClass("OpenLDAProotDSE") {
		return detectOpenLDAP(root)
	}

	if strings.EqualFold(root.FirstValue(model.AttrSubschemaSubentry), "cn=LDAPGlobalSchemaSubentry") {
		return model.ServerSiemensDirX
	}

	return model.ServerUnknown
}

func detectByVendor(name, version string) (model.ServerType, bool) {
	switch {
	case strings.Contains(name, "Apache Software Foundation"):
		return model.ServerApacheDS, true

	case strings.Contains(name, "International Business Machines"):
		switch {
		case containsAny(version, "3.2", "3.2.1", "3.2.2"):
			return model.ServerIBMSecureWay, true
		case containsAny(version, "4.1", "5.1"):
			return model.ServerIBMDirectoryServer, true
		case containsAny(version, "5.2", "6.0", "6.1", "6.2"):
			return model.ServerIBMTivoli, true
		}

	case strings.Contains(name, "Netscape") || strings.Contains(version, "Netscape"):
		return model.ServerNetscape, true

	case strings.Contains(name, "Novell") || strings.Contains(version, "eDirectory"):
		return model.ServerNovell, true

	case strings.Contains(name, "Sun") || strings.Contains(version, "Sun"):
		return model.ServerSun, true

	case strings.Contains(name, "389 Project") || strings.Contains(version, "389-Directory"):
		return model.ServerRedHat389, true

	case strings.Contains(name, "ForgeRock") || strings.Contains(version, "OpenDJ"):
		return model.ServerOpenDJ, true
	}

	return model.ServerUnknown, false
}

func detectOpenLDAP(root *model.Entry) model.ServerType {
	has := func(attr, oid string) bool {
		a, ok := root.Attribute(attr)
		return ok && a.ContainsString(oid)
	}

	switch {
	case has(model.AttrSupportedControl, oidDontUseCopy):
		return model.ServerOpenLDAP24
	case root.FirstValue(model.AttrConfigContext) != "":
		return model.ServerOpenLDAP23
	case has(model.AttrSupportedControl, oidProxiedAuthorization):
		return model.ServerOpenLDAP22
	case has(model.AttrSupportedExtension, oidWhoAmI):
		return model.ServerOpenLDAP21
	case has(model.AttrSupportedFeatures, oidAbsoluteTrueFalse):
		return model.ServerOpenLDAP20
	default:
		return model.ServerOpenLDAP
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
