// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	_ "embed"

	"github.com/Query-farm/vgi-udf/udf/starlarkrt"
)

// ModuleName is the module part of every conformance call target.
const ModuleName = "conformance"

//go:embed conformance.star
var source string

// Register loads the conformance module into rt.
func Register(rt *starlarkrt.Runtime) error {
	return rt.RegisterModule(ModuleName, source)
}
