// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package model defines the vocabulary shared by every part of the engine:
// steps and their ports, the compute port a step delegates to, and the
// immutable artifacts that flow along DAG edges.
//
// Why a separate model package?
//
// The scheduler, the cache and the step executor all reason about the same
// Step and Artifact values, but none of them should own those types. Keeping
// them here lets each component depend on the vocabulary without depending
// on each other.
package model
