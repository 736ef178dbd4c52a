package testing

import (
	"context"
	"testing"

	"github.com/marmos91/dittodrive/pkg/storage"
)

// StoreTestSuite is a comprehensive test suite for storage.Storage implementations.
// It tests the interface contract, not implementation details, making it reusable
// across different backends (memory, filesystem, badger, S3, etc.).
//
// Usage:
//
//	func TestMyStorage(t *testing.T) {
//	    suite := &testing.StoreTestSuite{
//	        NewStore: func() storage.Storage {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore is a factory function that creates a fresh Storage instance
	// for each test. This ensures test isolation.
	NewStore func() storage.Storage
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("KeyOperations", suite.RunKeyTests)
	t.Run("Listing", suite.RunListTests)
	t.Run("Concurrency", suite.RunConcurrencyTests)
}

// testContext returns a standard test context.
func testContext() context.Context {
	return context.Background()
}
