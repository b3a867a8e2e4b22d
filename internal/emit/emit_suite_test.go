package emit

import (
	"testing"

	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

// TestSuite runs the Ginkgo specs alongside the package's table-style
// testify tests (see emitter_test.go), the same split the teacher's E2E
// suite and unit tests coexist under.
func TestSuite(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "edge emitter suite")
}
