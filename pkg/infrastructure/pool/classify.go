package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
)

// MySQL error numbers that mean the session itself is gone.
const (
	mysqlServerShutdown   = 1053
	mysqlConnectionKilled = 1927
	mysqlServerGoneAway   = 2006
	mysqlServerLost       = 2013
)

// connectivityPatterns is the last-resort match for drivers that report lost
// sessions only through the message text.
var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"server has gone away",
	"lost connection",
	"bad connection",
	"invalid connection",
}

// IsConnectivityError reports whether err means the underlying session was
// lost or reset, as opposed to a problem with the statement itself. Context
// cancellation and deadlines are never connectivity failures.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlServerShutdown, mysqlConnectionKilled, mysqlServerGoneAway, mysqlServerLost:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range connectivityPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
