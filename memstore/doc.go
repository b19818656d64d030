// Package memstore is an in-process implementation of goMFA.ConfigStore
// and goMFA.AuditStore for tests, single-instance deployments and the
// load-test tool. Each user record has its own mutex, so operations on
// different users never contend.
package memstore
