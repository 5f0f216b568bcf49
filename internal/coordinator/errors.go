package coordinator

import "errors"

var (
	ErrNilSource    = errors.New("coordinator: nil data source")
	ErrNilPublisher = errors.New("coordinator: nil publisher")
	ErrEmptyAccount = errors.New("coordinator: empty account number")
	ErrNoDailyData  = errors.New("coordinator: no measurements in daily window")
)
