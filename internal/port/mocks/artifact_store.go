// Package mocks holds testify mocks of the port interfaces.
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/port"
)

type ArtifactStoreMock struct {
	mock.Mock
}

// NewArtifactStoreMock returns a mock whose expectations are asserted when
// the test ends.
func NewArtifactStoreMock(t interface {
	mock.TestingT
	Cleanup(func())
}) *ArtifactStoreMock {
	m := &ArtifactStoreMock{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *ArtifactStoreMock) Save(a *domain.ConvertedArtifact) error {
	args := m.Called(a)
	return args.Error(0)
}

func (m *ArtifactStoreMock) Get(itemID string) (*domain.ConvertedArtifact, error) {
	args := m.Called(itemID)
	a, _ := args.Get(0).(*domain.ConvertedArtifact)
	return a, args.Error(1)
}

func (m *ArtifactStoreMock) Delete(itemID string) error {
	args := m.Called(itemID)
	return args.Error(0)
}

func (m *ArtifactStoreMock) List() ([]*domain.ConvertedArtifact, error) {
	args := m.Called()
	list, _ := args.Get(0).([]*domain.ConvertedArtifact)
	return list, args.Error(1)
}

func (m *ArtifactStoreMock) ListByBatch(batchID string) ([]*domain.ConvertedArtifact, error) {
	args := m.Called(batchID)
	list, _ := args.Get(0).([]*domain.ConvertedArtifact)
	return list, args.Error(1)
}

var _ port.ArtifactStore = (*ArtifactStoreMock)(nil)
