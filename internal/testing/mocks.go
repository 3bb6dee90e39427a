// Package testing provides fakes and fixtures for use in tests.
// This package should only be imported by test files (*_test.go).
package testing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/auto3t/auto3t/internal/store"
	"github.com/auto3t/auto3t/internal/transfer"
)

// NewTestStore opens an in-memory store for testing.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// MockTransferer is a mock implementation of transfer.Transferer for testing. It
// stands in for a remote engine: sources are never read from the local disk.
type MockTransferer struct {
	mu sync.RWMutex

	// Track calls
	TransferCalls []transfer.Request
	RemoveCalls   []string

	// Hooks for custom behavior
	OnTransfer func(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) error
}

// NewMockTransferer creates a new mock transferer.
func NewMockTransferer() *MockTransferer {
	return &MockTransferer{}
}

// Transfer records the request and writes a destination file of the requested size.
func (m *MockTransferer) Transfer(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) error {
	m.mu.Lock()
	m.TransferCalls = append(m.TransferCalls, req)
	m.mu.Unlock()

	if m.OnTransfer != nil {
		return m.OnTransfer(ctx, req, onProgress)
	}

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0750); err != nil {
		return err
	}
	if err := os.WriteFile(req.Destination, make([]byte, max(req.Size, 0)), 0600); err != nil {
		return err
	}

	if onProgress != nil {
		const bytesPerMB = 1024 * 1024
		onProgress(transfer.Progress{
			Transferred: req.Size,
			BytesPerSec: bytesPerMB,
		})
	}
	return nil
}

// Remove records the path.
func (m *MockTransferer) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoveCalls = append(m.RemoveCalls, path)
	return nil
}

// Name returns the backend name.
func (m *MockTransferer) Name() string {
	return "mock"
}

// PrepareShutdown prepares for shutdown (no-op for mock).
func (m *MockTransferer) PrepareShutdown() {}

// Close releases resources (no-op for mock).
func (m *MockTransferer) Close() error {
	return nil
}

// GetTransferCalls returns the recorded transfer calls.
func (m *MockTransferer) GetTransferCalls() []transfer.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]transfer.Request, len(m.TransferCalls))
	copy(result, m.TransferCalls)
	return result
}

// GetRemoveCalls returns the recorded remove calls.
func (m *MockTransferer) GetRemoveCalls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.RemoveCalls...)
}
