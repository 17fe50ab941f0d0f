// Package persistence records the devices this host has linked with.
//
// The registry is a JSON file holding display metadata (name, type, last
// address) for each device ID. Certificates are stored separately by the
// cert package's FileStore; the fingerprint kept here is informational.
package persistence
