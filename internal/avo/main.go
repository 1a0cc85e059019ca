//go:build avogen
// +build avogen

package main

import (
	"flag"
	"strings"

	. "github.com/mmcloughlin/avo/build"
)

//go:generate go run -tags avogen . -out ../../expand_amd64.s -stubs ../../expand_amd64.go -pkg sparsejit

var (
	component = flag.String("component", "all", "component to generate")
)

func main() {
	flag.Parse()

	comp := strings.ToLower(*component)

	Package("github.com/Akron/sparsejit")
	ConstraintExpr("amd64")
	ConstraintExpr("!noasm")

	if comp == "expand" || comp == "all" {
		genExpandBlocksKernel()
	}

	Generate()
}
