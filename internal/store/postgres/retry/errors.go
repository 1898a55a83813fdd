// Package retry wraps Postgres operations with bounded, jittered retries
// (github.com/flowchartsman/retry drives the loop) limited to the narrow
// class of errors that indicate a transient connection problem rather
// than a data or logic conflict.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// retriablePgCodes are SQLSTATE codes that indicate the connection, not
// the statement, is at fault: the connection-exception codes of class 08
// listed below, the shutdown codes 57P01-57P03 of class 57 (operator
// intervention), and 53300 (too many connections). Other codes in those
// classes are not retried. Class 40 (transaction rollback, including deadlocks and
// serialization failures) and class 23 (constraint violation) are
// deliberately excluded — those are handled at the application level, not
// papered over with a retry.
var retriablePgCodes = map[string]bool{
	"08000": true,
	"08001": true,
	"08003": true,
	"08004": true,
	"08006": true,
	"08007": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
	"53300": true,
}

var retriableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"connection is closed",
	"closed network connection",
	"connection timed out",
	"failed to connect",
}

// IsRetriable reports whether err represents a transient condition worth
// retrying.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retriablePgCodes[pgErr.Code]
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range retriableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}

	return false
}
