package supervisor

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrRestartBudgetExhausted is latched once a supervisor restarted its process
// more often than allowed within the rolling window. The supervisor stays
// stopped and refuses further starts.
var ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

// ErrClosed is returned by starts on a closed supervisor.
var ErrClosed = errors.New("supervisor closed")

// portUnavailableError signals that the configured port is bound by a process
// this supervisor does not own.
type portUnavailableError struct {
	addr string
	err  error
}

func (e portUnavailableError) Error() string {
	return "port unavailable: " + e.addr + ": " + e.err.Error()
}

func (e portUnavailableError) Unwrap() error { return e.err }

// ErrPortUnavailable constructs a portUnavailableError.
func ErrPortUnavailable(host string, port int, cause error) error {
	return portUnavailableError{addr: net.JoinHostPort(host, strconv.Itoa(port)), err: cause}
}

// IsPortUnavailable reports whether err indicates a port conflict.
func IsPortUnavailable(err error) bool {
	var e portUnavailableError
	return errors.As(err, &e)
}

// startTimeoutError signals that the process did not become healthy in time.
type startTimeoutError struct {
	addr    string
	timeout time.Duration
}

func (e startTimeoutError) Error() string {
	return fmt.Sprintf("engine process not ready in %s: %s", e.timeout, e.addr)
}

// ErrStartTimeout constructs a startTimeoutError.
func ErrStartTimeout(addr string, timeout time.Duration) error {
	return startTimeoutError{addr: addr, timeout: timeout}
}

// IsStartTimeout reports whether err indicates a start timeout.
func IsStartTimeout(err error) bool {
	var e startTimeoutError
	return errors.As(err, &e)
}

// IsFatal reports whether err means the supervisor gave up on its process.
func IsFatal(err error) bool { return errors.Is(err, ErrRestartBudgetExhausted) }
