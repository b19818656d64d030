// Package assertion issues and verifies short-lived signed tokens proving
// that a user completed a second factor. A relying service checks the
// token instead of calling back into the MFA engine.
//
// Tokens carry the user id as subject, the verification method in amr and
// the audit sequence of the VERIFY_SUCCESS or BACKUP_CODE_USED entry, so a
// token can be traced to its audit record.
package assertion
