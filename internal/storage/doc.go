// Package storage persists what the gateway must remember across restarts:
//
//   - the message id index, which maps platform message ids to stable
//     int32 ids per scope for protocols with numeric ids
//   - the audit log of account mutations
//
// Drivers: "memory" (default), "file" (JSON Lines journals) and "sqlite".
package storage
