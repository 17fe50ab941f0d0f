// Package lan carries multiplexed devlink connections over TLS 1.3.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Channels (pkg/mux)           │
//	├────────────────────────────────┤
//	│   Frames, 19-byte header       │
//	├────────────────────────────────┤
//	│         TLS 1.3                │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Trust
//
// Devices present self-signed certificates whose common name is the device
// ID. Certificates are not checked against a CA; a TrustVerifier decides
// whether a peer certificate is acceptable, and users may compare the
// Link's VerificationKey out of band. After the multiplex handshake the
// identity packet's deviceId must equal the certificate's common name.
//
// Bulk transfers use auxiliary listeners on ports 1739-1764 (see ListenAux).
package lan
