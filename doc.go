// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fiber provides user-space stackful-style coroutines built on top
// of goroutines.
//
// A Fiber is a single goroutine paired with a pair of rendezvous channels:
// exactly one side of the pair is ever runnable, which reproduces the
// "exactly one fiber executing per worker" invariant that a hand-rolled
// stack-switching implementation gives for free in a language without
// native coroutines. Higher-level multiplexing of many fibers onto a
// bounded number of logical workers is the job of the sibling scheduler
// package; this package only knows about a single fiber's own lifecycle.
package fiber
