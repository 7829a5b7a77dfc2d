package model

// ServerType names a recognized directory server product.
type ServerType string

const (
	ServerUnknown                ServerType = "unknown"
	ServerApacheDS               ServerType = "apacheds"
	ServerIBMSecureWay           ServerType = "ibm_secureway"
	ServerIBMDirectoryServer     ServerType = "ibm_directory_server"
	ServerIBMTivoli              ServerType = "ibm_tivoli"
	ServerNetscape               ServerType = "netscape"
	ServerNovell                 ServerType = "novell_edirectory"
	ServerSun                    ServerType = "sun"
	ServerRedHat389              ServerType = "redhat_389"
	ServerOpenDJ                 ServerType = "forgerock_opendj"
	ServerActiveDirectory2000    ServerType = "active_directory_2000"
	ServerActiveDirectory2003    ServerType = "active_directory_2003"
	ServerOpenLDAP               ServerType = "openldap"
	ServerOpenLDAP20             ServerType = "openldap_2.0"
	ServerOpenLDAP21             ServerType = "openldap_2.1"
	ServerOpenLDAP22             ServerType = "openldap_2.2"
	ServerOpenLDAP23             ServerType = "openldap_2.3"
	ServerOpenLDAP24             ServerType = "openldap_2.4"
	ServerSiemensDirX            ServerType = "siemens_dirx"
)

// IsActiveDirectory reports whether t is any Active Directory version.
func (t ServerType) IsActiveDirectory() bool {
	return t == ServerActiveDirectory2000 || t == ServerActiveDirectory2003
}

// Root DSE attributes read during the bootstrap.
const (
	AttrNamingContexts          = "namingContexts"
	AttrSubschemaSubentry       = "subschemaSubentry"
	AttrSupportedControl        = "supportedControl"
	AttrSupportedExtension      = "supportedExtension"
	AttrSupportedFeatures       = "supportedFeatures"
	AttrSupportedLDAPVersion    = "supportedLDAPVersion"
	AttrSupportedSASLMechanisms = "supportedSASLMechanisms"
	AttrAltServer               = "altServer"
	AttrVendorName              = "vendorName"
	AttrVendorVersion           = "vendorVersion"
	AttrConfigContext           = "configContext"
	AttrMonitorContext          = "monitorContext"
	AttrRootDomainNamingContext = "rootDomainNamingContext"
	AttrForestFunctionality     = "forestFunctionality"
	AttrAttributeTypes          = "attributeTypes"
)

// RootDSEAttributes is the well-known attribute set requested explicitly from
// the Root DSE, since many servers omit them from "+".
var RootDSEAttributes = []string{
	AttrObjectClass,
	AttrNamingContexts,
	AttrSubschemaSubentry,
	AttrSupportedLDAPVersion,
	AttrSupportedSASLMechanisms,
	AttrSupportedExtension,
	AttrSupportedControl,
	AttrSupportedFeatures,
	AttrAltServer,
	AttrVendorName,
	AttrVendorVersion,
	AttrConfigContext,
	AttrMonitorContext,
	AttrRootDomainNamingContext,
	AttrForestFunctionality,
	"defaultNamingContext",
	"schemaNamingContext",
	"configurationNamingContext",
	"dsServiceName",
	"ds-private-naming-contexts",
	"isGlobalCatalogReady",
}
