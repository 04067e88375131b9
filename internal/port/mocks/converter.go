package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/port"
)

type ImageConverterMock struct {
	mock.Mock
}

func NewImageConverterMock(t interface {
	mock.TestingT
	Cleanup(func())
}) *ImageConverterMock {
	m := &ImageConverterMock{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *ImageConverterMock) Convert(ctx context.Context, data []byte, opts domain.ConversionOptions) ([]byte, error) {
	args := m.Called(ctx, data, opts)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

type BatchConverterMock struct {
	mock.Mock
}

func NewBatchConverterMock(t interface {
	mock.TestingT
	Cleanup(func())
}) *BatchConverterMock {
	m := &BatchConverterMock{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *BatchConverterMock) ConvertBatch(ctx context.Context, items []port.ChunkItem, opts domain.ConversionOptions) ([]port.ChunkResult, error) {
	args := m.Called(ctx, items, opts)
	out, _ := args.Get(0).([]port.ChunkResult)
	return out, args.Error(1)
}

var (
	_ port.ImageConverter = (*ImageConverterMock)(nil)
	_ port.BatchConverter = (*BatchConverterMock)(nil)
)
