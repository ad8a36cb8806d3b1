package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
)

// DBSession adapts a database/sql pool to Session. Classify maps driver
// errors onto the error classes; nil uses ClassifyCommon alone.
type DBSession struct {
	DB       *sql.DB
	Classify func(error) error
}

var _ Session = (*DBSession)(nil)

func (s *DBSession) ExecPrepared(ctx context.Context, text string, args []any) error {
	_, err := s.DB.ExecContext(ctx, text, args...)
	return s.classify(err)
}

func (s *DBSession) ExecLiteral(ctx context.Context, text string) error {
	_, err := s.DB.ExecContext(ctx, text)
	return s.classify(err)
}

func (s *DBSession) Close() error { return s.DB.Close() }

func (s *DBSession) classify(err error) error {
	if err == nil {
		return nil
	}
	if s.Classify != nil {
		if c := s.Classify(err); c != nil {
			return c
		}
	}
	return ClassifyCommon(err)
}

// ClassifyCommon tags broken-connection errors that every driver reports the
// same way. Other errors are returned unchanged.
func ClassifyCommon(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	switch {
	case errors.Is(err, ErrConnection), errors.Is(err, ErrConstraint), errors.Is(err, ErrStatement):
		return err
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.As(err, &ne):
		return Wrap(ErrConnection, err)
	}
	return err
}
