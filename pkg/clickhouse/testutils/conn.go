package testutils

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

var _ driver.Conn = (*MockConn)(nil)

// MockConn is a testify mock of driver.Conn. Variadic query arguments are
// flattened into the recorded call after ctx and the query text.
type MockConn struct {
	mock.Mock
}

func queryArgs(ctx context.Context, query string, args []any) []any {
	return append([]any{ctx, query}, args...)
}

func (m *MockConn) Contributors() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockConn) ServerVersion() (*driver.ServerVersion, error) {
	args := m.Called()
	v, _ := args.Get(0).(*driver.ServerVersion)
	return v, args.Error(1)
}

func (m *MockConn) Select(ctx context.Context, _ any, query string, args ...any) error {
	return m.Called(queryArgs(ctx, query, args)...).Error(0)
}

func (m *MockConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	res := m.Called(queryArgs(ctx, query, args)...)
	rows, _ := res.Get(0).(driver.Rows)
	return rows, res.Error(1)
}

func (m *MockConn) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	row, _ := m.Called(queryArgs(ctx, query, args)...).Get(0).(driver.Row)
	return row
}

func (m *MockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	callArgs := []any{ctx, query}
	for _, o := range opts {
		callArgs = append(callArgs, o)
	}
	res := m.Called(callArgs...)
	batch, _ := res.Get(0).(driver.Batch)
	return batch, res.Error(1)
}

func (m *MockConn) Exec(ctx context.Context, query string, args ...any) error {
	return m.Called(queryArgs(ctx, query, args)...).Error(0)
}

func (m *MockConn) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	return m.Called(append([]any{ctx, query, wait}, args...)...).Error(0)
}

func (m *MockConn) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockConn) Stats() driver.Stats {
	s, _ := m.Called().Get(0).(driver.Stats)
	return s
}

func (m *MockConn) Close() error {
	return m.Called().Error(0)
}
