package e2e

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCleanupProtocolE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cleanup Protocol Suite")
}
