// Copyright 2025 HAG-MoE Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the numeric building blocks of the gate.
//
// # Overview
//
// This package contains:
//   - Parameter: a named gonum matrix with an accumulated gradient
//   - Initialization: Xavier, Zeros
//   - Masked softmax over score rows where -Inf marks an excluded entry,
//     its backward pass, and a masked log-sum-exp
//
// Hosts rarely need it directly: moe.Layer.Parameters returns the gate's
// parameters, which the optim package updates in place. It is useful for
// writing custom optimizers or inspecting gradients:
//
//	for _, p := range layer.Parameters() {
//	    fmt.Println(p.Name(), mat.Norm(p.Grad(), 2))
//	}
package nn
