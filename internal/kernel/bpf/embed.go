// Package bpf embeds the compiled classifier object produced from
// classifier.c. The .o is built out of tree (clang -target bpf -O2 -g
// -c classifier.c -o classifier.o) and checked in as a build artifact,
// the same pattern cilium/ebpf-based agents use when they don't generate
// bindings through bpf2go.
package bpf

import _ "embed"

//go:embed classifier.o
var ClassifierObject []byte
