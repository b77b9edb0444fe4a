// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

// Well-known metadata keys used in the vgi_udf wire protocol.
// These appear as custom_metadata on Arrow IPC RecordBatch messages.
const (
	MetaMethod         = "vgi_udf.method"
	MetaRequestVersion = "vgi_udf.request_version"
	MetaRequestID      = "vgi_udf.request_id"
	MetaLogLevel       = "vgi_udf.log_level"
	MetaLogMessage     = "vgi_udf.log_message"
	MetaLogExtra       = "vgi_udf.log_extra"
	MetaServerID       = "vgi_udf.server_id"

	ProtocolVersion = "1"
)

// Methods understood by a worker.
const (
	MethodCall     = "call"
	MethodDescribe = "__describe__"
)
