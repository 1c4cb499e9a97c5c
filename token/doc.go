// Package token issues and verifies the signed claims-bearing tokens that
// represent authenticated access. Access and refresh tokens are signed with
// distinct HS256 secrets, carry a device fingerprint binding, and can be
// revoked before expiry through an in-process blacklist.
package token
