/*
Package ldap is the directory transport used by the synchronization engine.

It wraps go-ldap with connection pooling, server discovery, authentication
and a structured error taxonomy, and exposes a narrow Directory interface
that the higher layers (search, mutation, scheduling) are written against.

# Connection Management

The Client interface provides connection pooling with automatic failover:

  - SRV-based server discovery (_ldaps._tcp, then _ldap._tcp)
  - Connection pooling with health checks and re-authentication
  - Automatic retry with exponential backoff on transient failures
  - Simple, Kerberos (GSSAPI), SASL EXTERNAL and anonymous binds

# Requests

Every request carries its own referral handling. ReferralsManage attaches
the ManageDsaIT control so that referral objects are read and modified as
ordinary entries. ReferralsFollow returns continuation references with the
search result so callers can model them.

Search returns partial results together with the error when the server
stops early. Size, time and administrative limit errors are classified as
ErrorCategoryLimitExceeded and are usually tolerated by callers.

# Error Handling

Errors are wrapped in LDAPError, which carries the result code, a category
and the DN involved:

	if err := client.Delete(ctx, &ldap.DeleteRequest{DN: dn}); err != nil {
		if ldap.IsNotEmptyError(err) {
			// delete the children first
		}
	}

# Logging

Operations log through terraform-plugin-log subsystems. Call
InitializeLogging once on the root context.
*/
package ldap
