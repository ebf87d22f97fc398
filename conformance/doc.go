// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides test fixtures for the scalar UDF bridge.
// [RegisterFunctions] registers a set of functions covering every physical
// type, NULL handling, callback failures and callback logging, and [Cases]
// lists calls against them together with their expected outcomes.
//
// The same fixtures back the package tests, the benchmark suite and the
// wasm-udf-conformance-go command, which serves them over HTTP or checks
// them in process with [RunCases].
package conformance
