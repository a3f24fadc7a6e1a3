// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture defines the frame-capture plugin contract and the
// registry that selects a capture backend for a negotiated codec set.
//
// Capture backends are registered as Plugins at process start. When the
// peer requests streaming with a set of acceptable codecs, the registry
// picks the highest-ranked plugin whose codec is in that set and asks it
// for a FrameCapture instance. The registry holds pure in-process state
// and performs no I/O.
package capture
