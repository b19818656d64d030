// Package security builds the hardening report exposed by
// Engine.SecurityReport. It reads configuration values only; key material
// is reduced to lengths before it leaves this package.
package security
