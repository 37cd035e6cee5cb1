//go:build !cgo

package relstore

import (
	"context"
	"errors"
)

// ErrRequiresCGO is returned by every operation except Close in non-CGO builds: the
// embedded Dolt engine (github.com/dolthub/driver) requires CGO. Build with
// CGO_ENABLED=1, or connect to a dolt sql-server and use server mode, which
// this stub does not attempt to special-case (teacher: store_nocgo.go takes
// the same all-or-nothing stance).
var ErrRequiresCGO = errors.New("relstore: embedded Dolt backend requires CGO")

// Config mirrors the CGO Config struct for API compatibility.
type Config struct {
	Path           string
	Database       string
	ServerMode     bool
	ServerHost     string
	ServerPort     int
	ServerUser     string
	ServerPassword string
	ServerTLS      bool
	ReadOnly       bool
	CommitterName  string
	CommitterEmail string
	Remote         string
	RemoteUser     string
	RemotePassword string
}

// DoltStore is a stub for non-CGO builds; every method except Close (which
// returns nil) returns ErrRequiresCGO.
type DoltStore struct{}

func Open(ctx context.Context, cfg *Config) (*DoltStore, error) { return nil, ErrRequiresCGO }

func (s *DoltStore) Begin(ctx context.Context) (*Conn, error) { return nil, ErrRequiresCGO }
func (s *DoltStore) Execute(ctx context.Context, conn *Conn, query string, args ...any) (DataFrame, error) {
	return DataFrame{}, ErrRequiresCGO
}
func (s *DoltStore) ExecuteDF(ctx context.Context, conn *Conn, query string, args ...any) (DataFrame, error) {
	return DataFrame{}, ErrRequiresCGO
}
func (s *DoltStore) ExecuteArrow(ctx context.Context, conn *Conn, query string, args ...any) (ArrowTable, error) {
	return ArrowTable{}, ErrRequiresCGO
}
func (s *DoltStore) Upsert(ctx context.Context, conn *Conn, table string, rows []Row) error {
	return ErrRequiresCGO
}
func (s *DoltStore) GetData(ctx context.Context, conn *Conn, table string) (DataFrame, error) {
	return DataFrame{}, ErrRequiresCGO
}
func (s *DoltStore) RunInTransaction(ctx context.Context, fn func(conn *Conn) error) error {
	return ErrRequiresCGO
}
func (s *DoltStore) Close() error { return nil }

var _ Store = (*DoltStore)(nil)
