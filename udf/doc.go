// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package udf coordinates the execution of user-defined functions (UDFs)
// called by a remote peer inside an embedded interpreter hosted by the
// current process.
//
// A remote call arrives as a serialized payload plus an ordered table of
// tensors. Tensors are never copied into the payload; the payload holds
// placeholders that index into the table, and the table travels out of band.
//
// # Codec
//
// [Encode] walks a value, moves every [*Tensor] into a [TensorTable] in
// first-encounter order and serializes the rest as MessagePack. [Decode] is the
// inverse and fails with a [*DecodeError] on truncated input, unknown
// extension tags or placeholders that do not resolve against the table.
//
// # Coordinator
//
// [Instance] returns the process-wide [Coordinator]. The first call resolves
// two bindings, invoke and load_result, from the pinned helper module
// [HelperModule] of the [Runtime] registered with [Install]. Every call into a
// binding holds the runtime's exclusive execution right (see [GIL]).
//
// # Shutdown
//
// The owner of the process must call [Cleanup] after draining in-flight calls
// and before finalizing the interpreter. Cleanup releases both bindings and
// moves the coordinator to [StateTornDown]; later calls fail with
// [ErrUseAfterTeardown]. The coordinator is never rebuilt in the same process.
package udf
