// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command vgi-udf-worker hosts Starlark UDF modules and executes calls sent
// by a remote caller over stdio or HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(&options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
